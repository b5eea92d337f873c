package shardnet

// Gateway close codes.
const (
	CloseNormal               = 1000
	CloseUnknownError         = 4000
	CloseUnknownOpcode        = 4001
	CloseDecodeError          = 4002
	CloseNotAuthenticated     = 4003
	CloseAuthenticationFailed = 4004
	CloseAlreadyAuthenticated = 4005
	CloseInvalidSeq           = 4007
	CloseRateLimited          = 4008
	CloseSessionTimedOut      = 4009
	CloseInvalidShard         = 4010
	CloseShardingRequired     = 4011
	CloseInvalidAPIVersion    = 4012
	CloseInvalidIntents       = 4013
	CloseDisallowedIntents    = 4014
)

// Rate limit response headers.
const (
	HeaderBucket     = "X-RateLimit-Bucket"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderResetAfter = "X-RateLimit-Reset-After"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderGlobal     = "X-RateLimit-Global"
	HeaderScope      = "X-RateLimit-Scope"
	HeaderRetryAfter = "Retry-After"
	HeaderAuditLog   = "X-Audit-Log-Reason"
)

// Standard error messages
const (
	// Request errors
	ErrDecodeResponse   = "failed to decode response"
	ErrEncodeRequest    = "failed to encode request"
	ErrPipelineClosed   = "request pipeline is closed"
	ErrEmptyEndpoint    = "endpoint must not be empty"
	ErrTransportFailure = "transport call failed"

	// Gateway errors
	ErrExpectedHello       = "expected HELLO as first frame"
	ErrReconnectRequested  = "reconnect requested by server"
	ErrSessionInvalidated  = "session invalidated by server"
	ErrHeartbeatNotAcked   = "heartbeat not acknowledged"
	ErrConnectionClosed    = "gateway connection is closed"
	ErrShardAlreadyRunning = "shard already running"

	// Client errors
	ErrTokenRequired     = "token is required"
	ErrClientRunning     = "client already running"
	ErrDiscoveryFailed   = "gateway discovery failed"
	ErrInvalidShardCount = "discovery returned no shards"
)
