// Package gatewaytest provides a scripted in-process gateway for tests.
//
// Every connection receives HELLO, IDENTIFY is answered with READY and RESUME
// with RESUMED. Tests push further frames (dispatches, reconnect requests,
// invalid sessions, close codes) and inspect what clients sent.
package gatewaytest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/shardnet"
	"github.com/luciancaetano/shardnet/internal/protocol"
)

// RateLimitConfig defines the inbound rate limit applied to each client.
type RateLimitConfig struct {
	// MessagesPerSecond defines how many frames a client can send per second
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// Options configures a Server.
type Options struct {
	// HeartbeatInterval is announced in HELLO. Defaults to 45s so tests
	// only see heartbeats when they ask for them.
	HeartbeatInterval time.Duration

	// DisableAcks stops the server from answering heartbeats, which makes
	// every client look like a zombie connection.
	DisableAcks bool

	// SkipHello leaves the first frame to the test.
	SkipHello bool

	RateLimit *RateLimitConfig

	// OnConnect is called for every accepted connection after HELLO.
	OnConnect func(c *Client)
}

// Received is one frame sent by a client.
type Received struct {
	ClientID string
	Frame    protocol.Frame
	At       time.Time
}

// Server is a fake gateway listening on a local port.
type Server struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	opts     Options

	clients sync.Map // map[string]*Client
	seq     atomic.Int64

	mu       sync.Mutex
	received []Received
	order    []string // client ids in connection order
	sessions map[string]struct{}
}

// NewServer starts a fake gateway. Close it with t.Cleanup(srv.Close).
func NewServer(opts Options) *Server {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 45 * time.Second
	}

	s := &Server{
		opts:     opts,
		sessions: make(map[string]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handleWebSocket))
	return s
}

// URL returns the ws:// URL of the gateway.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// Close disconnects every client and stops the server.
func (s *Server) Close() {
	s.clients.Range(func(key, value any) bool {
		if c, ok := value.(*Client); ok {
			c.CloseWithCode(websocket.CloseGoingAway, "")
		}
		return true
	})
	s.srv.CloseClientConnections()
	s.srv.Close()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "Failed to upgrade connection", http.StatusBadRequest)
		return
	}

	c := newClient(conn, r.URL.RawQuery, s.opts.RateLimit)
	s.clients.Store(c.ID(), c)

	s.mu.Lock()
	s.order = append(s.order, c.ID())
	s.mu.Unlock()

	go s.handleClient(c)
}

func (s *Server) handleClient(c *Client) {
	defer func() {
		s.clients.Delete(c.ID())
		c.CloseWithCode(websocket.CloseGoingAway, "")
	}()

	if !s.opts.SkipHello {
		c.SendOp(protocol.OpHello, protocol.Hello{
			HeartbeatInterval: s.opts.HeartbeatInterval.Milliseconds(),
		})
	}

	if s.opts.OnConnect != nil {
		s.opts.OnConnect(c)
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		if !c.checkRateLimit() {
			c.CloseWithCode(shardnet.CloseRateLimited, "You are being rate limited.")
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			c.CloseWithCode(shardnet.CloseDecodeError, "Error while decoding payload.")
			return
		}

		s.record(c, frame)
		s.handleFrame(c, frame)
	}
}

func (s *Server) record(c *Client, f *protocol.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, Received{ClientID: c.ID(), Frame: *f, At: time.Now()})
}

func (s *Server) handleFrame(c *Client, f *protocol.Frame) {
	switch f.Op {
	case protocol.OpHeartbeat:
		if !s.opts.DisableAcks {
			c.SendOp(protocol.OpHeartbeatAck, nil)
		}

	case protocol.OpIdentify:
		var id protocol.Identify
		if err := json.Unmarshal(f.Data, &id); err != nil {
			c.CloseWithCode(shardnet.CloseDecodeError, "Error while decoding payload.")
			return
		}
		c.setShard(id.Shard)

		sessionID := uuid.New().String()
		s.mu.Lock()
		s.sessions[sessionID] = struct{}{}
		s.mu.Unlock()

		s.dispatchTo(c, protocol.EventReady, protocol.Ready{
			Version:          10,
			SessionID:        sessionID,
			ResumeGatewayURL: s.URL(),
			Shard:            []int{id.Shard[0], id.Shard[1]},
		})

	case protocol.OpResume:
		var res protocol.Resume
		if err := json.Unmarshal(f.Data, &res); err != nil {
			c.CloseWithCode(shardnet.CloseDecodeError, "Error while decoding payload.")
			return
		}
		s.mu.Lock()
		_, known := s.sessions[res.SessionID]
		s.mu.Unlock()
		if !known {
			c.SendOp(protocol.OpInvalidSession, false)
			return
		}
		s.dispatchTo(c, protocol.EventResumed, nil)
	}
}

func (s *Server) dispatchTo(c *Client, name string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	seq := s.seq.Add(1)
	return c.SendFrame(protocol.Frame{
		Op:   protocol.OpDispatch,
		Data: raw,
		Seq:  &seq,
		Type: name,
	})
}

// Dispatch sends an event to every connected client.
func (s *Server) Dispatch(name string, data any) {
	s.each(func(c *Client) { s.dispatchTo(c, name, data) })
}

// RequestReconnect sends op 7 to every connected client.
func (s *Server) RequestReconnect() {
	s.each(func(c *Client) { c.SendOp(protocol.OpReconnect, nil) })
}

// InvalidateSession sends op 9 to every connected client.
func (s *Server) InvalidateSession(resumable bool) {
	s.each(func(c *Client) { c.SendOp(protocol.OpInvalidSession, resumable) })
}

// CloseAll closes every connection with code.
func (s *Server) CloseAll(code int, reason string) {
	s.each(func(c *Client) { c.CloseWithCode(code, reason) })
}

// ForgetSessions makes every later RESUME fail with an invalid session.
func (s *Server) ForgetSessions() {
	s.mu.Lock()
	s.sessions = make(map[string]struct{})
	s.mu.Unlock()
}

func (s *Server) each(fn func(c *Client)) {
	s.clients.Range(func(key, value any) bool {
		if c, ok := value.(*Client); ok && c.IsAlive() {
			fn(c)
		}
		return true
	})
}

// Connections returns how many websocket connections were accepted.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Live returns how many connections are currently open.
func (s *Server) Live() int {
	n := 0
	s.each(func(*Client) { n++ })
	return n
}

// Frames returns the frames received with op, in arrival order.
func (s *Server) Frames(op protocol.Opcode) []Received {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Received
	for _, r := range s.received {
		if r.Frame.Op == op {
			out = append(out, r)
		}
	}
	return out
}

// Count returns how many frames with op were received.
func (s *Server) Count(op protocol.Opcode) int {
	return len(s.Frames(op))
}

// Client is one connection accepted by the fake gateway.
type Client struct {
	id          string
	conn        *websocket.Conn
	query       string
	ctx         context.Context
	cancel      context.CancelFunc
	sendCh      chan outbound
	mu          sync.RWMutex
	closed      bool
	shard       [2]int
	rateLimiter *rate.Limiter
}

func newClient(conn *websocket.Conn, query string, cfg *RateLimitConfig) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	var limiter *rate.Limiter
	if cfg != nil && cfg.Enabled {
		limiter = rate.NewLimiter(cfg.MessagesPerSecond, cfg.Burst)
	}

	c := &Client{
		id:          uuid.New().String(),
		conn:        conn,
		query:       query,
		ctx:         ctx,
		cancel:      cancel,
		sendCh:      make(chan outbound, 256),
		rateLimiter: limiter,
	}
	go c.writePump()
	return c
}

// ID returns a unique identifier for the connection.
func (c *Client) ID() string {
	return c.id
}

// Query returns the raw query string the client connected with.
func (c *Client) Query() string {
	return c.query
}

// Shard returns the [index, count] pair sent in IDENTIFY.
func (c *Client) Shard() [2]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.shard
}

func (c *Client) setShard(shard [2]int) {
	c.mu.Lock()
	c.shard = shard
	c.mu.Unlock()
}

// SendOp sends a frame with op and data.
func (c *Client) SendOp(op protocol.Opcode, data any) error {
	payload, err := protocol.Encode(op, data)
	if err != nil {
		return err
	}
	return c.send(payload)
}

// SendFrame sends a fully built frame.
func (c *Client) SendFrame(f protocol.Frame) error {
	payload, err := protocol.EncodeFrame(f)
	if err != nil {
		return err
	}
	return c.send(payload)
}

func (c *Client) send(payload []byte) error {
	select {
	case c.sendCh <- outbound{data: payload}:
		return nil
	case <-c.ctx.Done():
		return context.Canceled
	}
}

// CloseWithCode flushes pending frames, sends a close frame and closes the
// connection.
func (c *Client) CloseWithCode(code int, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	select {
	case c.sendCh <- outbound{close: &closeRequest{code: code, reason: reason, done: done}}:
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	case <-c.ctx.Done():
	}

	c.cancel()
	return c.conn.Close()
}

// IsAlive returns true while the connection is open.
func (c *Client) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

func (c *Client) checkRateLimit() bool {
	if c.rateLimiter == nil {
		return true
	}
	return c.rateLimiter.Allow()
}

// outbound is a frame or a close request queued on the write pump, so a
// close frame is written after every frame queued before it.
type outbound struct {
	data  []byte
	close *closeRequest
}

type closeRequest struct {
	code   int
	reason string
	done   chan struct{}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for {
		select {
		case msg := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))

			if req := msg.close; req != nil {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(req.code, req.reason))
				close(req.done)
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}
