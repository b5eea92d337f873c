package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/luciancaetano/shardnet"
	"github.com/luciancaetano/shardnet/internal/ratelimit"
)

var (
	// ErrClosed is returned for requests submitted to, or still queued in, a
	// closed pipeline.
	ErrClosed = errors.New(shardnet.ErrPipelineClosed)

	// ErrEmptyEndpoint is returned when a request names no endpoint.
	ErrEmptyEndpoint = errors.New(shardnet.ErrEmptyEndpoint)
)

// FieldError is one validation failure from the nested "errors" object of an
// error response.
type FieldError struct {
	// Path is the dotted path of the offending field, for example
	// "embeds.0.title". Empty for errors on the request as a whole.
	Path    string
	Code    string
	Message string
}

// APIError is a non-2xx response.
type APIError struct {
	Method   string
	Endpoint string

	Status  int
	Code    int
	Message string
	Errors  []FieldError

	// RetryAfter is taken from the body of 429 responses.
	RetryAfter time.Duration
	// Global reports a 429 caused by the global rate limit.
	Global bool

	Body []byte
}

// Fatal reports a credential-level failure (401 or 403). Retrying such a
// request cannot succeed.
func (e *APIError) Fatal() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %d %s", e.Method, e.Endpoint, e.Status, e.Message)
	if e.Code != 0 {
		fmt.Fprintf(&b, " (%d)", e.Code)
	}
	for _, fe := range e.Errors {
		if fe.Path == "" {
			fmt.Fprintf(&b, "; %s", fe.Message)
			continue
		}
		fmt.Fprintf(&b, "; %s: %s", fe.Path, fe.Message)
	}
	return b.String()
}

type errorBody struct {
	Message    string          `json:"message"`
	Code       int             `json:"code"`
	Errors     json.RawMessage `json:"errors"`
	RetryAfter float64         `json:"retry_after"`
	Global     bool            `json:"global"`
}

// newAPIError builds an APIError from a response body. Bodies that are not
// the usual JSON error object keep their text as the message.
func newAPIError(method, endpoint string, status int, body []byte) *APIError {
	e := &APIError{
		Method:   method,
		Endpoint: endpoint,
		Status:   status,
		Body:     body,
	}

	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		e.Message = strings.TrimSpace(string(body))
		if e.Message == "" {
			e.Message = http.StatusText(status)
		}
		return e
	}

	e.Message = parsed.Message
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	e.Code = parsed.Code
	e.Global = parsed.Global
	e.RetryAfter = ratelimit.Seconds(parsed.RetryAfter)

	if len(parsed.Errors) > 0 {
		var tree any
		if err := json.Unmarshal(parsed.Errors, &tree); err == nil {
			e.Errors = walkErrors(tree, nil)
		}
	}
	return e
}

// walkErrors flattens the nested validation tree. Leaves are "_errors"
// arrays; every other key extends the path. Keys are visited in sorted order.
func walkErrors(node any, path []string) []FieldError {
	obj, ok := node.(map[string]any)
	if !ok {
		return nil
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []FieldError
	for _, k := range keys {
		v := obj[k]
		if k == "_errors" {
			list, ok := v.([]any)
			if !ok {
				continue
			}
			for _, entry := range list {
				fe := FieldError{Path: strings.Join(path, "."), Message: "Unknown error"}
				if m, ok := entry.(map[string]any); ok {
					if msg, ok := m["message"].(string); ok {
						fe.Message = msg
					}
					if code, ok := m["code"].(string); ok {
						fe.Code = code
					}
				}
				out = append(out, fe)
			}
			continue
		}
		if _, ok := v.(map[string]any); ok {
			next := append(append([]string(nil), path...), k)
			out = append(out, walkErrors(v, next)...)
		}
	}
	return out
}

// TransportError is a request that never produced a response: a network
// failure or the per-call timeout. It is always safe to retry.
type TransportError struct {
	Method   string
	Endpoint string
	Timeout  bool
	Err      error
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s %s: %s: timeout: %v", e.Method, e.Endpoint, shardnet.ErrTransportFailure, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Method, e.Endpoint, shardnet.ErrTransportFailure, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Retryable reports that the request may be submitted again.
func (e *TransportError) Retryable() bool {
	return true
}
