package gateway

import (
	"errors"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/luciancaetano/shardnet"
)

// Recoverable faults raised while listening. Both lead to a reconnect.
var (
	ErrReconnectRequested = errors.New(shardnet.ErrReconnectRequested)
	ErrInvalidSession     = errors.New(shardnet.ErrSessionInvalidated)
	ErrExpectedHello      = errors.New(shardnet.ErrExpectedHello)
	ErrHeartbeatNotAcked  = errors.New(shardnet.ErrHeartbeatNotAcked)
	ErrConnectionClosed   = errors.New(shardnet.ErrConnectionClosed)
	ErrAlreadyRunning     = errors.New(shardnet.ErrShardAlreadyRunning)
)

// CloseError is returned by Shard.Run when the server closed the session
// with a code that makes reconnecting pointless, for example an invalid
// token or disallowed intents.
type CloseError struct {
	Shard  int
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("shard %d: gateway closed with code %d", e.Shard, e.Code)
	}
	return fmt.Sprintf("shard %d: gateway closed with code %d: %s", e.Shard, e.Code, e.Reason)
}

// closeAction is what a shard does after the server closed the transport.
type closeAction int

const (
	closeResume closeAction = iota
	closeReidentify
	closeExit
	closeFatal
)

// classifyClose maps a close code to the shard's reaction.
func classifyClose(code int) closeAction {
	switch code {
	case shardnet.CloseNormal:
		return closeExit
	case shardnet.CloseAuthenticationFailed,
		shardnet.CloseInvalidShard,
		shardnet.CloseShardingRequired,
		shardnet.CloseInvalidAPIVersion,
		shardnet.CloseInvalidIntents,
		shardnet.CloseDisallowedIntents:
		return closeFatal
	case shardnet.CloseInvalidSeq, shardnet.CloseSessionTimedOut:
		return closeReidentify
	default:
		return closeResume
	}
}

// closeCode extracts the close code sent by the peer, if any.
func closeCode(err error) (int, string, bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}
