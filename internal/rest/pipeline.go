// Package rest implements the rate-limit aware request pipeline.
//
// Every endpoint gets its own queue drained by exactly one worker, so
// requests to the same endpoint reach the transport in submission order.
// Throttling is applied per server-assigned bucket and globally; see
// internal/ratelimit.
package rest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luciancaetano/shardnet"
	"github.com/luciancaetano/shardnet/internal/logging"
	"github.com/luciancaetano/shardnet/internal/metrics"
	"github.com/luciancaetano/shardnet/internal/ratelimit"
)

// Options configures a Pipeline.
type Options struct {
	BaseURL   string
	Token     string
	UserAgent string

	// Timeout bounds every transport call.
	Timeout time.Duration

	// QueueSize is the capacity of each endpoint queue. Submit blocks while
	// the queue is full.
	QueueSize int

	// MaxRetries is the number of retries for network failures.
	MaxRetries int

	// RateLimitRetries is how many times a 429 is re-sent.
	RateLimitRetries int

	// HTTPClient overrides the transport built by NewHTTPClient.
	HTTPClient *http.Client

	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// Pipeline is the request pipeline. It is safe for concurrent use.
type Pipeline struct {
	baseURL          string
	token            string
	userAgent        string
	timeout          time.Duration
	queueSize        int
	rateLimitRetries int

	client  *http.Client
	tracker *ratelimit.Tracker
	global  *ratelimit.GlobalThrottle

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	queues map[string]*endpointQueue
	closed bool

	log     *logging.Logger
	metrics *metrics.Metrics
}

var _ shardnet.Requester = (*Pipeline)(nil)

type endpointQueue struct {
	endpoint string
	items    chan *item
}

type item struct {
	ctx      context.Context
	method   string
	endpoint string
	req      shardnet.Request
	params   url.Values
	result   *result
}

// result is a single-assignment slot resolved by the endpoint worker.
type result struct {
	done     chan struct{}
	resolved atomic.Bool
	resp     *shardnet.Response
	err      error
}

func newResult() *result {
	return &result{done: make(chan struct{})}
}

// resolve fulfils the slot. Resolving twice is a programming error.
func (r *result) resolve(resp *shardnet.Response, err error) {
	if !r.resolved.CompareAndSwap(false, true) {
		panic("rest: request result resolved twice")
	}
	r.resp, r.err = resp, err
	close(r.done)
}

// New creates a pipeline. Workers are started lazily per endpoint.
func New(opts Options) *Pipeline {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	client := opts.HTTPClient
	if client == nil {
		client = NewHTTPClient(opts.MaxRetries, log)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pipeline{
		baseURL:          strings.TrimSuffix(opts.BaseURL, "/"),
		token:            opts.Token,
		userAgent:        opts.UserAgent,
		timeout:          opts.Timeout,
		queueSize:        opts.QueueSize,
		rateLimitRetries: opts.RateLimitRetries,
		client:           client,
		tracker:          ratelimit.NewTracker(log, opts.Metrics),
		global:           ratelimit.NewGlobalThrottle(log, opts.Metrics),
		ctx:              ctx,
		cancel:           cancel,
		queues:           make(map[string]*endpointQueue),
		log:              log.Component("rest"),
		metrics:          opts.Metrics,
	}
}

// Tracker exposes the bucket tracker.
func (p *Pipeline) Tracker() *ratelimit.Tracker {
	return p.tracker
}

// Global exposes the global throttle.
func (p *Pipeline) Global() *ratelimit.GlobalThrottle {
	return p.global
}

// Submit queues req behind earlier requests to the same endpoint and waits
// for its outcome. Non-2xx responses are returned as *APIError, failed round
// trips as *TransportError.
func (p *Pipeline) Submit(ctx context.Context, req shardnet.Request) (*shardnet.Response, error) {
	endpoint := normalizeEndpoint(req.Endpoint)
	if endpoint == "" {
		return nil, ErrEmptyEndpoint
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	q, err := p.queue(endpoint)
	if err != nil {
		return nil, err
	}

	it := &item{
		ctx:      ctx,
		method:   method,
		endpoint: endpoint,
		req:      req,
		params:   normalizeParams(req.Params),
		result:   newResult(),
	}

	select {
	case q.items <- it:
		p.metrics.QueueDepth(endpoint, 1)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.ctx.Done():
		return nil, ErrClosed
	}

	select {
	case <-it.result.done:
		return it.result.resp, it.result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.ctx.Done():
		select {
		case <-it.result.done:
			return it.result.resp, it.result.err
		default:
			return nil, ErrClosed
		}
	}
}

// queue returns the endpoint's queue, starting its worker on first use.
func (p *Pipeline) queue(endpoint string) (*endpointQueue, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}
	q, ok := p.queues[endpoint]
	if !ok {
		q = &endpointQueue{
			endpoint: endpoint,
			items:    make(chan *item, p.queueSize),
		}
		p.queues[endpoint] = q
		p.wg.Add(1)
		go p.worker(q)
	}
	return q, nil
}

func (p *Pipeline) worker(q *endpointQueue) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			p.drain(q)
			return
		case it := <-q.items:
			p.metrics.QueueDepth(q.endpoint, -1)
			p.process(it)
		}
	}
}

// drain fails everything still queued after Close.
func (p *Pipeline) drain(q *endpointQueue) {
	for {
		select {
		case it := <-q.items:
			p.metrics.QueueDepth(q.endpoint, -1)
			it.result.resolve(nil, ErrClosed)
		default:
			return
		}
	}
}

// process sends one item and resolves it. Nothing escapes the worker.
func (p *Pipeline) process(it *item) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().
				Str("endpoint", it.endpoint).
				Interface("panic", r).
				Msg("request worker recovered from panic")
			if !it.result.resolved.Load() {
				it.result.resolve(nil, fmt.Errorf("%s %s: panic: %v", it.method, it.endpoint, r))
			}
		}
	}()

	// callers that gave up before their turn are not sent
	if err := it.ctx.Err(); err != nil {
		it.result.resolve(nil, err)
		return
	}

	ctx, cancel := context.WithCancel(it.ctx)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	resp, err := p.execute(ctx, it)
	if err != nil && p.ctx.Err() != nil && it.ctx.Err() == nil {
		err = ErrClosed
	}
	it.result.resolve(resp, err)
}

// execute sends it, re-sending 429 responses up to rateLimitRetries times.
func (p *Pipeline) execute(ctx context.Context, it *item) (*shardnet.Response, error) {
	for attempt := 0; ; attempt++ {
		resp, err := p.send(ctx, it)

		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Status != http.StatusTooManyRequests || attempt >= p.rateLimitRetries {
			return resp, err
		}

		p.log.Warn().
			Str("endpoint", it.endpoint).
			Int("attempt", attempt+1).
			Dur("retry_after", apiErr.RetryAfter).
			Bool("global", apiErr.Global).
			Msg("rate limited, retrying")

		// global limits are waited out by the throttle on the next send
		if !apiErr.Global && apiErr.RetryAfter > 0 {
			if err := sleep(ctx, apiErr.RetryAfter); err != nil {
				return nil, err
			}
		}
	}
}

// send performs one transport call.
func (p *Pipeline) send(ctx context.Context, it *item) (*shardnet.Response, error) {
	if _, err := p.global.Wait(ctx); err != nil {
		return nil, err
	}
	if _, err := p.tracker.Wait(ctx, it.endpoint); err != nil {
		return nil, err
	}

	body, contentType, err := buildBody(it.req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", shardnet.ErrEncodeRequest, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, it.method, p.baseURL+"/"+it.endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", shardnet.ErrEncodeRequest, err)
	}
	if len(it.params) > 0 {
		req.URL.RawQuery = it.params.Encode()
	}
	if p.token != "" {
		req.Header.Set("Authorization", authHeader(p.token))
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if it.req.Reason != "" {
		req.Header.Set(shardnet.HeaderAuditLog, url.PathEscape(it.req.Reason))
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{
			Method:   it.method,
			Endpoint: it.endpoint,
			Timeout:  callCtx.Err() == context.DeadlineExceeded || isTimeout(err),
			Err:      err,
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{
			Method:   it.method,
			Endpoint: it.endpoint,
			Timeout:  callCtx.Err() == context.DeadlineExceeded || isTimeout(err),
			Err:      err,
		}
	}
	p.metrics.ObserveRequest(it.method, resp.StatusCode, time.Since(start))

	p.log.Debug().
		Str("method", it.method).
		Str("endpoint", it.endpoint).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("request completed")

	var apiErr *APIError
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr = newAPIError(it.method, it.endpoint, resp.StatusCode, data)
	}

	h := ratelimit.ParseHeaders(resp.Header)
	if h.Global || (apiErr != nil && apiErr.Global) {
		wait := h.RetryAfter
		if apiErr != nil && apiErr.RetryAfter > wait {
			wait = apiErr.RetryAfter
		}
		p.global.Extend(wait)
		if apiErr != nil {
			apiErr.Global = true
		}
	}
	if apiErr != nil && apiErr.RetryAfter == 0 {
		apiErr.RetryAfter = h.RetryAfter
	}
	if h.Bucket != "" {
		if err := p.tracker.Update(ctx, it.endpoint, h); err != nil {
			p.log.Debug().Err(err).Str("bucket", h.Bucket).Msg("bucket update interrupted")
		}
	}

	if apiErr != nil {
		return nil, apiErr
	}

	out := &shardnet.Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
	}
	if resp.StatusCode == http.StatusNoContent {
		return out, nil
	}
	out.Body = data
	out.JSON = isJSON(resp.Header.Get("Content-Type"))
	return out, nil
}

// Close stops every worker. Queued requests fail with ErrClosed; the
// request in flight on each endpoint is cancelled.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.tracker.Close()
	p.wg.Wait()
	p.client.CloseIdleConnections()

	p.log.Info().Msg("request pipeline closed")
	return nil
}

func authHeader(token string) string {
	if strings.HasPrefix(token, "Bot ") || strings.HasPrefix(token, "Bearer ") {
		return token
	}
	return "Bot " + token
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json"
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
