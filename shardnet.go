package shardnet

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Event is one dispatch received by a shard.
//
// Data is the raw "d" field of the dispatch frame. Mapping it onto typed
// objects is left to the caller.
type Event struct {
	// Shard is the index of the shard that received the event.
	Shard int

	// Name is the dispatch name ("t"), for example "MESSAGE_CREATE".
	Name string

	// Sequence is the sequence number the server attached to the dispatch.
	Sequence int64

	// Data is the undecoded event payload.
	Data json.RawMessage
}

// EventHandler processes a dispatched event.
//
// Handlers for one shard are invoked in the order the server sent the events.
// A returned error is logged and does not stop dispatching.
type EventHandler func(ctx context.Context, event Event) error

// Hook is a startup or shutdown callback registered on a client.
type Hook func(ctx context.Context) error

// File is an attachment uploaded with a multipart request.
//
// When Data is nil the file is read from Path at send time.
type File struct {
	Name        string
	ContentType string
	Data        []byte
	Path        string
}

// Request describes one REST call submitted to the request pipeline.
type Request struct {
	// Method is the HTTP method (GET, POST, PUT, PATCH, DELETE).
	Method string

	// Endpoint is the path relative to the API base URL, for example
	// "channels/123/messages". Requests to the same endpoint are sent in
	// submission order.
	Endpoint string

	// Body is encoded as JSON, or as the payload_json part when Files is set.
	Body any

	// Params are query parameters. Booleans are rendered as "true"/"false"
	// and nil values are dropped.
	Params map[string]any

	// Files turns the request into a multipart upload.
	Files []File

	// Reason is sent as the X-Audit-Log-Reason header when non-empty.
	Reason string
}

// Response is the successful outcome of a request.
type Response struct {
	StatusCode int
	Header     http.Header

	// Body holds the raw response body. It is empty for 204 responses.
	Body []byte

	// JSON reports whether the server declared a JSON body.
	JSON bool
}

// NoContent reports whether the server answered 204 No Content.
func (r *Response) NoContent() bool {
	return r.StatusCode == http.StatusNoContent
}

// Text returns the body as a string.
func (r *Response) Text() string {
	return string(r.Body)
}

// Decode unmarshals a JSON body into v.
func (r *Response) Decode(v any) error {
	if !r.JSON {
		return fmt.Errorf("%s: content is not JSON", ErrDecodeResponse)
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("%s: %w", ErrDecodeResponse, err)
	}
	return nil
}

// Requester submits REST calls through the rate-limit aware pipeline.
//
// Example:
//
//	resp, err := requester.Submit(ctx, shardnet.Request{
//	    Method:   http.MethodPost,
//	    Endpoint: "channels/123/messages",
//	    Body:     map[string]any{"content": "pong"},
//	})
//	var apiErr *rest.APIError
//	if errors.As(err, &apiErr) {
//	    log.Printf("rejected: %d %s", apiErr.Code, apiErr.Message)
//	}
type Requester interface {
	// Submit queues the request behind earlier requests to the same endpoint
	// and blocks until it has been answered, failed, or ctx is done.
	Submit(ctx context.Context, req Request) (*Response, error)
}

// ShardState is the position of a shard in its connection state machine.
type ShardState int32

const (
	ShardIdle ShardState = iota
	ShardConnecting
	ShardAwaitingHello
	ShardAuthenticating
	ShardListening
	ShardClosing
	ShardWaiting
	ShardStopped
)

func (s ShardState) String() string {
	switch s {
	case ShardIdle:
		return "idle"
	case ShardConnecting:
		return "connecting"
	case ShardAwaitingHello:
		return "awaiting_hello"
	case ShardAuthenticating:
		return "authenticating"
	case ShardListening:
		return "listening"
	case ShardClosing:
		return "closing"
	case ShardWaiting:
		return "waiting"
	case ShardStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ShardStatus is a point-in-time view of a shard's session.
type ShardStatus struct {
	ID            int       `json:"id"`
	Count         int       `json:"count"`
	State         string    `json:"state"`
	Sequence      *int64    `json:"sequence,omitempty"`
	HasSession    bool      `json:"has_session"`
	Resumable     bool      `json:"resumable"`
	Backoff       string    `json:"backoff"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
	LastAck       time.Time `json:"last_ack,omitempty"`
}

// Shard is one gateway session covering a partition of the event stream.
type Shard interface {
	// ID returns the shard index.
	ID() int

	// Run connects and keeps the session alive until ctx is cancelled or
	// the server closes the connection cleanly.
	Run(ctx context.Context) error

	// Events returns the ordered stream of dispatches received by the shard.
	Events() <-chan Event

	// Status returns a snapshot of the session state.
	Status() ShardStatus

	// Close stops the heartbeat and closes the transport if it is open.
	Close() error
}
