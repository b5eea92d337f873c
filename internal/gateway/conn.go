package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/shardnet"
	"github.com/luciancaetano/shardnet/internal/protocol"
)

const writeWait = 10 * time.Second

// SendLimit throttles outbound gateway commands.
type SendLimit struct {
	PerMinute int
	Burst     int
}

// Conn is one websocket connection to the gateway.
//
// Reads happen on the shard's listen loop only. Writes go through a single
// write pump so the heartbeat goroutine and the listen loop can both send.
type Conn struct {
	id      string
	conn    *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	sendCh  chan []byte
	mu      sync.RWMutex
	closed  bool
	limiter *rate.Limiter
}

// Dial opens a connection to url. limit may be nil to disable throttling.
func Dial(ctx context.Context, dialer *websocket.Dialer, url string, limit *SendLimit) (*Conn, error) {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	header := http.Header{}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial gateway: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	return newConn(conn, limit), nil
}

func newConn(conn *websocket.Conn, limit *SendLimit) *Conn {
	ctx, cancel := context.WithCancel(context.Background())

	var limiter *rate.Limiter
	if limit != nil && limit.PerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(limit.PerMinute)), limit.Burst)
	}

	c := &Conn{
		id:      uuid.New().String(),
		conn:    conn,
		ctx:     ctx,
		cancel:  cancel,
		sendCh:  make(chan []byte, 64),
		limiter: limiter,
	}

	go c.writePump()

	return c
}

// ID returns a unique identifier for this connection, used in logs.
func (c *Conn) ID() string {
	return c.id
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Send encodes a frame and queues it for writing.
//
// Heartbeats bypass the send limiter; every other command waits for a token.
func (c *Conn) Send(ctx context.Context, op protocol.Opcode, data any) error {
	payload, err := protocol.Encode(op, data)
	if err != nil {
		return err
	}

	if c.limiter != nil && op != protocol.OpHeartbeat {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.sendCh <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// ReadFrame blocks for the next frame. A zero timeout waits indefinitely.
func (c *Conn) ReadFrame(timeout time.Duration) (*protocol.Frame, error) {
	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		c.conn.SetReadDeadline(time.Time{})
	}

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		return protocol.Decode(data)
	}
}

// Close closes the connection with a normal closure.
func (c *Conn) Close() error {
	return c.CloseWithCode(shardnet.CloseNormal, "")
}

// CloseWithCode sends a close frame with code and reason, then closes the
// socket. Closing with any code other than 1000 or 1001 keeps the session
// resumable on the server side.
func (c *Conn) CloseWithCode(code int, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	message := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(time.Second)
	c.conn.WriteControl(websocket.CloseMessage, message, deadline)

	// stops the write pump; sendCh is never closed so late senders cannot panic
	c.cancel()
	return c.conn.Close()
}

// IsAlive returns true if the connection is still open.
func (c *Conn) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// writePump moves frames from the send channel to the socket.
func (c *Conn) writePump() {
	defer func() {
		c.cancel()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}
