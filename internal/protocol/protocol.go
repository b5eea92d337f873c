// Package protocol encodes and decodes gateway frames.
//
// Every frame is a JSON object {"op": int, "d": any, "s": int|null, "t": string|null}.
// Only the opcodes below are interpreted by the client; anything else decodes
// fine and is ignored by the caller.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

const maxPayloadSize = 10 * 1024 * 1024 // 10MB max frame size

// Opcode identifies the kind of gateway frame.
type Opcode int

// Gateway opcodes.
const (
	OpDispatch            Opcode = 0
	OpHeartbeat           Opcode = 1
	OpIdentify            Opcode = 2
	OpPresenceUpdate      Opcode = 3
	OpVoiceStateUpdate    Opcode = 4
	OpResume              Opcode = 6
	OpReconnect           Opcode = 7
	OpRequestGuildMembers Opcode = 8
	OpInvalidSession      Opcode = 9
	OpHello               Opcode = 10
	OpHeartbeatAck        Opcode = 11
)

// String returns the opcode name used in logs.
func (o Opcode) String() string {
	switch o {
	case OpDispatch:
		return "DISPATCH"
	case OpHeartbeat:
		return "HEARTBEAT"
	case OpIdentify:
		return "IDENTIFY"
	case OpPresenceUpdate:
		return "PRESENCE_UPDATE"
	case OpVoiceStateUpdate:
		return "VOICE_STATE_UPDATE"
	case OpResume:
		return "RESUME"
	case OpReconnect:
		return "RECONNECT"
	case OpRequestGuildMembers:
		return "REQUEST_GUILD_MEMBERS"
	case OpInvalidSession:
		return "INVALID_SESSION"
	case OpHello:
		return "HELLO"
	case OpHeartbeatAck:
		return "HEARTBEAT_ACK"
	default:
		return "OP_" + strconv.Itoa(int(o))
	}
}

// Frame is one gateway message.
type Frame struct {
	Op   Opcode          `json:"op"`
	Data json.RawMessage `json:"d"`
	Seq  *int64          `json:"s"`
	Type string          `json:"t,omitempty"`
}

// Encode builds a frame for op with data marshalled as its "d" field.
func Encode(op Opcode, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", op, err)
	}

	out, err := json.Marshal(Frame{Op: op, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", op, err)
	}
	if len(out) > maxPayloadSize {
		return nil, fmt.Errorf("frame size %d exceeds maximum %d bytes", len(out), maxPayloadSize)
	}
	return out, nil
}

// EncodeFrame marshals a fully built frame. Used by the fake gateway to emit
// dispatches carrying a sequence and event name.
func EncodeFrame(f Frame) ([]byte, error) {
	if f.Data == nil {
		f.Data = json.RawMessage("null")
	}
	out, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Op, err)
	}
	if len(out) > maxPayloadSize {
		return nil, fmt.Errorf("frame size %d exceeds maximum %d bytes", len(out), maxPayloadSize)
	}
	return out, nil
}

// Decode parses one frame. The Data field references the input buffer; do
// not modify data afterwards.
func Decode(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, errors.New("empty frame")
	}
	if len(data) > maxPayloadSize {
		return nil, fmt.Errorf("frame size %d exceeds maximum %d bytes", len(data), maxPayloadSize)
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &f, nil
}

// DecodeData unmarshals the "d" field of f into v.
func (f *Frame) DecodeData(v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%s frame has no payload", f.Op)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Op, err)
	}
	return nil
}
