// Package gateway runs one shard's websocket session: handshake, heartbeat,
// sequence tracking, resume and reconnect with backoff.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luciancaetano/shardnet"
	"github.com/luciancaetano/shardnet/internal/logging"
	"github.com/luciancaetano/shardnet/internal/metrics"
	"github.com/luciancaetano/shardnet/internal/protocol"
)

// errCleanClose ends Run without reconnecting.
var errCleanClose = errors.New("gateway closed the session normally")

// Config configures a single shard.
type Config struct {
	ID    int
	Count int

	Token   string
	Intents shardnet.Intents

	// URL is the gateway URL returned by discovery, without query.
	URL      string
	Version  int
	Encoding string

	Properties protocol.IdentifyProperties

	BackoffFloor     time.Duration
	BackoffCeiling   time.Duration
	HandshakeTimeout time.Duration

	// EventBuffer is the capacity of the Events channel.
	EventBuffer int

	// SendLimit throttles outbound commands. Nil disables it.
	SendLimit *SendLimit

	Dialer  *websocket.Dialer
	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// Shard is one gateway session.
type Shard struct {
	id    int
	count int

	token      string
	intents    shardnet.Intents
	baseURL    string
	version    int
	encoding   string
	properties protocol.IdentifyProperties

	handshakeTimeout time.Duration
	sendLimit        *SendLimit
	dialer           *websocket.Dialer

	backoff *Backoff
	jitter  func() float64

	events chan shardnet.Event
	state  atomic.Int32
	acked  atomic.Bool

	mu            sync.Mutex
	sessionID     string
	seq           *int64
	resumeURL     string
	resumable     bool
	hb            *heartbeater
	lastHeartbeat time.Time
	lastAck       time.Time

	running   atomic.Bool
	closing   chan struct{}
	closeOnce sync.Once
	stopped   chan struct{}

	log     *logging.Logger
	metrics *metrics.Metrics
}

var _ shardnet.Shard = (*Shard)(nil)

// New creates an idle shard. Call Run to connect.
func New(cfg Config) *Shard {
	if cfg.Version == 0 {
		cfg.Version = 10
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "json"
	}
	if cfg.BackoffFloor <= 0 {
		cfg.BackoffFloor = 5 * time.Second
	}
	if cfg.BackoffCeiling <= 0 {
		cfg.BackoffCeiling = 60 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Count <= 0 {
		cfg.Count = 1
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}

	return &Shard{
		id:               cfg.ID,
		count:            cfg.Count,
		token:            authToken(cfg.Token),
		intents:          cfg.Intents,
		baseURL:          cfg.URL,
		version:          cfg.Version,
		encoding:         cfg.Encoding,
		properties:       cfg.Properties,
		handshakeTimeout: cfg.HandshakeTimeout,
		sendLimit:        cfg.SendLimit,
		dialer:           cfg.Dialer,
		backoff:          NewBackoff(cfg.BackoffFloor, cfg.BackoffCeiling),
		jitter:           func() float64 { return 1 - rand.Float64() },
		events:           make(chan shardnet.Event, cfg.EventBuffer),
		closing:          make(chan struct{}),
		stopped:          make(chan struct{}),
		log:              log.Component("gateway").Shard(cfg.ID),
		metrics:          cfg.Metrics,
	}
}

// ID returns the shard index.
func (s *Shard) ID() int {
	return s.id
}

// Events returns the ordered stream of dispatches. The channel is closed
// when Run returns.
func (s *Shard) Events() <-chan shardnet.Event {
	return s.events
}

// State returns the current position in the state machine.
func (s *Shard) State() shardnet.ShardState {
	return shardnet.ShardState(s.state.Load())
}

func (s *Shard) setState(st shardnet.ShardState) {
	s.state.Store(int32(st))
	s.metrics.ShardState(s.id, int32(st))
}

// Status returns a snapshot of the session.
func (s *Shard) Status() shardnet.ShardStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	return shardnet.ShardStatus{
		ID:            s.id,
		Count:         s.count,
		State:         s.State().String(),
		Sequence:      copySeq(s.seq),
		HasSession:    s.sessionID != "",
		Resumable:     s.resumable,
		Backoff:       s.backoff.Current().String(),
		LastHeartbeat: s.lastHeartbeat,
		LastAck:       s.lastAck,
	}
}

// Run connects and keeps the session alive. It returns nil when ctx is
// cancelled, Close is called, or the server closes with code 1000, and a
// *CloseError when the server closes with a code that forbids reconnecting.
// Every other failure is retried after the backoff delay.
func (s *Shard) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(s.stopped)
	defer close(s.events)
	defer s.setState(shardnet.ShardStopped)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			s.log.Info().Msg("shard stopped")
			return nil
		}

		var closeErr *CloseError
		switch {
		case errors.Is(err, errCleanClose):
			s.log.Info().Msg("gateway closed the session, not reconnecting")
			return nil
		case errors.As(err, &closeErr):
			s.log.Error().Int("code", closeErr.Code).Str("reason", closeErr.Reason).Msg("fatal close code")
			return err
		}

		delay := s.backoff.Next()
		s.metrics.Reconnect(s.id)
		s.setState(shardnet.ShardWaiting)
		s.log.Warn().Err(err).Dur("delay", delay).Msg("disconnected, reconnecting")

		if err := sleep(ctx, delay); err != nil {
			s.log.Info().Msg("shard stopped")
			return nil
		}
	}
}

// Close stops the shard and waits for Run to return.
func (s *Shard) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
	})
	if s.running.Load() {
		<-s.stopped
	}
	return nil
}

// session runs one connection from dial to disconnect.
func (s *Shard) session(ctx context.Context) error {
	s.setState(shardnet.ShardConnecting)

	target, err := s.gatewayURL()
	if err != nil {
		return err
	}
	conn, err := Dial(ctx, s.dialer, target, s.sendLimit)
	if err != nil {
		return err
	}
	s.log.Debug().Str("conn_id", conn.ID()).Str("url", target).Msg("connected")

	s.mu.Lock()
	s.hb = nil
	s.mu.Unlock()

	// cancellation unblocks the read loop by closing the transport,
	// heartbeat first
	stopWatch := context.AfterFunc(ctx, func() {
		s.stopHeartbeat()
		conn.Close()
	})
	defer func() {
		stopWatch()
		s.setState(shardnet.ShardClosing)
		s.stopHeartbeat()

		code := shardnet.CloseUnknownError
		if ctx.Err() != nil {
			code = shardnet.CloseNormal
		}
		conn.CloseWithCode(code, "")
	}()

	s.setState(shardnet.ShardAwaitingHello)
	frame, err := conn.ReadFrame(s.handshakeTimeout)
	if err != nil {
		return s.classifyReadError(err)
	}
	if frame.Op != protocol.OpHello {
		return fmt.Errorf("%w, got %s", ErrExpectedHello, frame.Op)
	}
	var hello protocol.Hello
	if err := frame.DecodeData(&hello); err != nil {
		return err
	}
	if hello.HeartbeatInterval <= 0 {
		return fmt.Errorf("invalid heartbeat interval %d", hello.HeartbeatInterval)
	}
	if frame.Seq != nil {
		s.setSeq(*frame.Seq)
	}
	interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
	s.startHeartbeat(ctx, conn, interval)

	s.setState(shardnet.ShardAuthenticating)
	if err := s.authenticate(ctx, conn); err != nil {
		return err
	}

	s.setState(shardnet.ShardListening)
	return s.listen(ctx, conn)
}

// authenticate sends RESUME when the session can be continued, IDENTIFY
// otherwise.
func (s *Shard) authenticate(ctx context.Context, conn *Conn) error {
	s.mu.Lock()
	canResume := s.resumable && s.sessionID != "" && s.seq != nil
	sessionID := s.sessionID
	var seq int64
	if s.seq != nil {
		seq = *s.seq
	}
	s.mu.Unlock()

	if canResume {
		s.log.Info().Str("session_id", sessionID).Int64("seq", seq).Msg("resuming session")
		return conn.Send(ctx, protocol.OpResume, protocol.Resume{
			Token:     s.token,
			SessionID: sessionID,
			Seq:       seq,
		})
	}

	s.log.Info().Int("count", s.count).Msg("identifying")
	return conn.Send(ctx, protocol.OpIdentify, protocol.Identify{
		Token:      s.token,
		Intents:    int(s.intents),
		Properties: s.properties,
		Shard:      [2]int{s.id, s.count},
	})
}

func (s *Shard) listen(ctx context.Context, conn *Conn) error {
	for {
		frame, err := conn.ReadFrame(0)
		if err != nil {
			return s.classifyReadError(err)
		}

		switch frame.Op {
		case protocol.OpDispatch:
			if err := s.dispatch(ctx, frame); err != nil {
				return err
			}

		case protocol.OpHeartbeat:
			if err := s.sendHeartbeat(ctx, conn); err != nil {
				return err
			}

		case protocol.OpReconnect:
			s.mu.Lock()
			s.resumable = true
			s.mu.Unlock()
			return ErrReconnectRequested

		case protocol.OpInvalidSession:
			var resumable bool
			if err := frame.DecodeData(&resumable); err != nil {
				s.log.Debug().Err(err).Msg("invalid session without flag")
			}
			if resumable {
				s.mu.Lock()
				s.resumable = true
				s.mu.Unlock()
			} else {
				s.clearSession()
			}
			return ErrInvalidSession

		case protocol.OpHeartbeatAck:
			s.acked.Store(true)
			s.mu.Lock()
			s.lastAck = time.Now()
			s.mu.Unlock()

		default:
			s.log.Debug().Stringer("op", frame.Op).Msg("ignoring frame")
		}
	}
}

func (s *Shard) dispatch(ctx context.Context, frame *protocol.Frame) error {
	var seq int64
	if frame.Seq != nil {
		seq = *frame.Seq
		s.setSeq(seq)
	}

	switch frame.Type {
	case protocol.EventReady:
		var ready protocol.Ready
		if err := frame.DecodeData(&ready); err != nil {
			return err
		}
		s.mu.Lock()
		s.sessionID = ready.SessionID
		if ready.ResumeGatewayURL != "" {
			s.resumeURL = ready.ResumeGatewayURL
		}
		s.resumable = true
		s.mu.Unlock()
		s.backoff.Reset()
		s.log.Info().Str("session_id", ready.SessionID).Msg("session ready")

	case protocol.EventResumed:
		s.backoff.Reset()
		s.log.Info().Msg("session resumed")
	}

	s.metrics.Event(s.id, frame.Type)

	ev := shardnet.Event{
		Shard:    s.id,
		Name:     frame.Type,
		Sequence: seq,
		Data:     frame.Data,
	}
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// classifyReadError turns a failed read into the shard's next step.
func (s *Shard) classifyReadError(err error) error {
	code, reason, ok := closeCode(err)
	if !ok {
		// dropped connection: the session can still be resumed
		s.mu.Lock()
		s.resumable = true
		s.mu.Unlock()
		return err
	}

	switch classifyClose(code) {
	case closeExit:
		return errCleanClose
	case closeFatal:
		return &CloseError{Shard: s.id, Code: code, Reason: reason}
	case closeReidentify:
		s.clearSession()
	default:
		s.mu.Lock()
		s.resumable = true
		s.mu.Unlock()
	}
	return err
}

func (s *Shard) setSeq(seq int64) {
	s.mu.Lock()
	s.seq = &seq
	s.mu.Unlock()
}

// clearSession forgets the session id and sequence together.
func (s *Shard) clearSession() {
	s.mu.Lock()
	s.sessionID = ""
	s.seq = nil
	s.resumeURL = ""
	s.resumable = false
	s.mu.Unlock()
}

// gatewayURL returns the URL of the next connection: the resume URL when the
// session will be resumed, the discovered URL otherwise.
func (s *Shard) gatewayURL() (string, error) {
	s.mu.Lock()
	base := s.baseURL
	if s.resumable && s.sessionID != "" && s.resumeURL != "" {
		base = s.resumeURL
	}
	s.mu.Unlock()

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse gateway url %q: %w", base, err)
	}
	u.RawQuery = fmt.Sprintf("v=%d&encoding=%s", s.version, s.encoding)
	return u.String(), nil
}

func authToken(token string) string {
	token = strings.TrimSpace(token)
	if token == "" || strings.HasPrefix(token, "Bot ") {
		return token
	}
	return "Bot " + token
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
