// Package client wires the request pipeline, discovery and the shard
// manager into a single bot client.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/luciancaetano/shardnet"
	"github.com/luciancaetano/shardnet/internal/config"
	"github.com/luciancaetano/shardnet/internal/gateway"
	"github.com/luciancaetano/shardnet/internal/logging"
	"github.com/luciancaetano/shardnet/internal/metrics"
	"github.com/luciancaetano/shardnet/internal/protocol"
	"github.com/luciancaetano/shardnet/internal/rest"
	"github.com/luciancaetano/shardnet/internal/shard"
)

// Config is the client configuration.
type Config = config.Config

// DefaultConfig returns a configuration with every default filled in. Only
// the token has to be set.
func DefaultConfig() *Config {
	return config.Default()
}

// LoadConfig reads a configuration file and SHARDNET_* environment
// variables on top of the defaults. path may be empty.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger replaces the logger built from the logging configuration.
func WithLogger(zl zerolog.Logger) Option {
	return func(c *Client) {
		c.log = logging.FromZerolog(zl)
	}
}

// WithHTTPClient replaces the REST transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithDialer replaces the websocket dialer used by shards.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		c.dialer = d
	}
}

// Client is a sharded gateway client with a rate-limited REST pipeline.
type Client struct {
	cfg        *Config
	log        *logging.Logger
	metrics    *metrics.Metrics
	httpClient *http.Client
	dialer     *websocket.Dialer

	pipeline *rest.Pipeline

	mu       sync.Mutex
	handlers map[string][]shardnet.EventHandler
	catchAll []shardnet.EventHandler
	startup  []shardnet.Hook
	shutdown []shardnet.Hook
	manager  *shard.Manager
	stopRun  context.CancelFunc
	closed   bool

	running   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var _ shardnet.Requester = (*Client)(nil)

// New validates cfg and creates a client. Nothing connects until Run.
func New(cfg *Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	c := &Client{
		cfg:      cfg,
		handlers: make(map[string][]shardnet.EventHandler),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.log == nil {
		log, err := logging.New(logging.Options{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
		})
		if err != nil {
			return nil, err
		}
		c.log = log
	}
	if cfg.Metrics.Enabled {
		c.metrics = metrics.New()
	}

	c.pipeline = rest.New(rest.Options{
		BaseURL:          cfg.API.BaseURL,
		Token:            cfg.Token,
		UserAgent:        cfg.API.UserAgent,
		Timeout:          cfg.API.Timeout,
		QueueSize:        cfg.API.QueueSize,
		MaxRetries:       cfg.API.MaxRetries,
		RateLimitRetries: cfg.API.RateLimitRetries,
		HTTPClient:       c.httpClient,
		Logger:           c.log,
		Metrics:          c.metrics,
	})

	return c, nil
}

// Submit sends a REST request through the pipeline.
func (c *Client) Submit(ctx context.Context, req shardnet.Request) (*shardnet.Response, error) {
	return c.pipeline.Submit(ctx, req)
}

// Registry returns the metrics registry, or nil when metrics are disabled.
func (c *Client) Registry() *prometheus.Registry {
	return c.metrics.Registry()
}

// Statuses returns the status of every launched shard.
func (c *Client) Statuses() []shardnet.ShardStatus {
	c.mu.Lock()
	m := c.manager
	c.mu.Unlock()
	if m == nil {
		return nil
	}
	return m.Statuses()
}

// Run discovers the gateway, runs the startup hooks and launches every
// shard. It blocks until all shards have stopped, ctx is cancelled or Close
// is called, and always tears the client down before returning.
func (c *Client) Run(parent context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New(shardnet.ErrClientRunning)
	}
	defer c.close(context.WithoutCancel(parent))

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return rest.ErrClosed
	}
	c.stopRun = cancel
	c.mu.Unlock()

	gw, err := c.GatewayBot(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("gateway discovery failed")
		return err
	}
	c.log.Info().
		Str("url", gw.URL).
		Int("shards", gw.Shards).
		Int("max_concurrency", gw.SessionStartLimit.MaxConcurrency).
		Int("sessions_remaining", gw.SessionStartLimit.Remaining).
		Msg("gateway discovered")

	if err := c.awaitSessionStarts(ctx, gw.SessionStartLimit); err != nil {
		return err
	}

	c.mu.Lock()
	startup := append([]shardnet.Hook(nil), c.startup...)
	c.mu.Unlock()
	c.runHooks(ctx, "startup", startup)

	m := shard.NewManager(shard.Options{
		Factory:     c.newShard,
		BatchDelay:  c.cfg.Gateway.BatchDelay,
		EventBuffer: c.cfg.Gateway.EventBuffer,
		Logger:      c.log,
	})
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.log.Info().Msg("client closed before launch")
		return nil
	}
	c.manager = m
	c.mu.Unlock()

	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		c.dispatch(ctx, m.Events())
	}()

	if err := m.Launch(ctx, gw.URL, gw.Shards, gw.SessionStartLimit.MaxConcurrency); err != nil && ctx.Err() == nil {
		c.log.Error().Err(err).Msg("shard launch failed")
		m.Close()
		<-dispatched
		return err
	}

	err = m.Wait(context.Background())
	<-dispatched
	return err
}

// awaitSessionStarts waits out an exhausted session start budget.
func (c *Client) awaitSessionStarts(ctx context.Context, limit SessionStartLimit) error {
	if limit.Total == 0 || limit.Remaining > 0 {
		return nil
	}

	wait := time.Duration(limit.ResetAfter) * time.Millisecond
	c.log.Warn().
		Dur("reset_after", wait).
		Int("total", limit.Total).
		Msg("session start limit exhausted, waiting")

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) newShard(id, count int, url string) shardnet.Shard {
	gw := c.cfg.Gateway
	return gateway.New(gateway.Config{
		ID:       id,
		Count:    count,
		Token:    c.cfg.Token,
		Intents:  c.cfg.Intents,
		URL:      url,
		Version:  gw.Version,
		Encoding: gw.Encoding,
		Properties: protocol.IdentifyProperties{
			OS:      gw.Properties.OS,
			Browser: gw.Properties.Browser,
			Device:  gw.Properties.Device,
		},
		BackoffFloor:     gw.BackoffFloor,
		BackoffCeiling:   gw.BackoffCeiling,
		HandshakeTimeout: gw.HandshakeTimeout,
		EventBuffer:      gw.EventBuffer,
		SendLimit: &gateway.SendLimit{
			PerMinute: gw.SendPerMinute,
			Burst:     gw.SendBurst,
		},
		Dialer:  c.dialer,
		Logger:  c.log,
		Metrics: c.metrics,
	})
}

// Close runs the shutdown hooks, closes the request pipeline and closes
// every shard. It is safe to call more than once; Run calls it on return.
func (c *Client) Close() error {
	return c.close(context.Background())
}

func (c *Client) close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		shutdown := append([]shardnet.Hook(nil), c.shutdown...)
		m := c.manager
		stopRun := c.stopRun
		c.mu.Unlock()

		if stopRun != nil {
			stopRun()
		}
		c.runHooks(ctx, "shutdown", shutdown)

		var errs []error
		if err := c.pipeline.Close(); err != nil {
			errs = append(errs, err)
		}
		if m != nil {
			if err := m.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		c.closeErr = errors.Join(errs...)

		c.log.Info().Msg("client closed")
	})
	return c.closeErr
}

// runHooks runs hooks in registration order. A failing hook is logged and
// the rest still run.
func (c *Client) runHooks(ctx context.Context, phase string, hooks []shardnet.Hook) {
	for i, hook := range hooks {
		if err := safeHook(ctx, hook); err != nil {
			c.log.Error().
				Err(err).
				Str("phase", phase).
				Int("hook", i).
				Msg("hook failed")
		}
	}
}

func safeHook(ctx context.Context, hook shardnet.Hook) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return hook(ctx)
}
