package protocol

import "encoding/json"

// Hello is the first frame sent by the server.
type Hello struct {
	// HeartbeatInterval is in milliseconds.
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

// IdentifyProperties describes the connecting client.
type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// Identify starts a fresh session.
type Identify struct {
	Token      string             `json:"token"`
	Intents    int                `json:"intents"`
	Properties IdentifyProperties `json:"properties"`
	Shard      [2]int             `json:"shard"`
	Compress   bool               `json:"compress,omitempty"`
}

// Resume continues a previous session.
type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// Ready is the payload of the READY dispatch. Only the fields needed to
// resume are decoded.
type Ready struct {
	Version          int             `json:"v"`
	SessionID        string          `json:"session_id"`
	ResumeGatewayURL string          `json:"resume_gateway_url"`
	Shard            []int           `json:"shard,omitempty"`
	User             json.RawMessage `json:"user,omitempty"`
}

// Heartbeat builds the "d" value of an op 1 frame: the last sequence or null.
func Heartbeat(seq *int64) any {
	if seq == nil {
		return nil
	}
	return *seq
}

// Dispatch names with protocol meaning.
const (
	EventReady   = "READY"
	EventResumed = "RESUMED"
)
