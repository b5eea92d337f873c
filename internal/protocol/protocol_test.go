package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

// TestEncode tests the Encode function with various inputs
func TestEncode(t *testing.T) {
	t.Parallel()

	seq := int64(42)

	tests := []struct {
		name      string
		op        Opcode
		data      any
		want      string
		wantError bool
	}{
		{
			name: "heartbeat with sequence",
			op:   OpHeartbeat,
			data: Heartbeat(&seq),
			want: `{"op":1,"d":42,"s":null}`,
		},
		{
			name: "heartbeat without sequence",
			op:   OpHeartbeat,
			data: Heartbeat(nil),
			want: `{"op":1,"d":null,"s":null}`,
		},
		{
			name: "resume",
			op:   OpResume,
			data: Resume{Token: "Bot t", SessionID: "abc", Seq: 7},
			want: `{"op":6,"d":{"token":"Bot t","session_id":"abc","seq":7},"s":null}`,
		},
		{
			name: "identify",
			op:   OpIdentify,
			data: Identify{
				Token:      "Bot t",
				Intents:    513,
				Properties: IdentifyProperties{OS: "linux", Browser: "shardnet", Device: "shardnet"},
				Shard:      [2]int{1, 4},
			},
			want: `{"op":2,"d":{"token":"Bot t","intents":513,"properties":{"os":"linux","browser":"shardnet","device":"shardnet"},"shard":[1,4]},"s":null}`,
		},
		{
			name:      "unencodable payload",
			op:        OpDispatch,
			data:      make(chan int),
			wantError: true,
		},
		{
			name:      "payload exceeds max size",
			op:        OpDispatch,
			data:      strings.Repeat("x", maxPayloadSize+1),
			wantError: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			result, err := Encode(tt.op, tt.data)

			if (err != nil) != tt.wantError {
				t.Errorf("Encode() error = %v, wantError %v", err, tt.wantError)
				return
			}

			if tt.wantError {
				return
			}

			if string(result) != tt.want {
				t.Errorf("Encode() = %s, want %s", result, tt.want)
			}
		})
	}
}

// TestDecode tests the Decode function with various inputs
func TestDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		data      string
		wantOp    Opcode
		wantSeq   *int64
		wantType  string
		wantError bool
	}{
		{
			name:   "hello",
			data:   `{"op":10,"d":{"heartbeat_interval":41250},"s":null,"t":null}`,
			wantOp: OpHello,
		},
		{
			name:     "dispatch",
			data:     `{"op":0,"d":{"content":"hi"},"s":12,"t":"MESSAGE_CREATE"}`,
			wantOp:   OpDispatch,
			wantSeq:  ptr(12),
			wantType: "MESSAGE_CREATE",
		},
		{
			name:   "invalid session",
			data:   `{"op":9,"d":false}`,
			wantOp: OpInvalidSession,
		},
		{
			name:   "unknown opcode still decodes",
			data:   `{"op":99,"d":null}`,
			wantOp: Opcode(99),
		},
		{
			name:      "empty",
			data:      "",
			wantError: true,
		},
		{
			name:      "not json",
			data:      "\x00\x00\x00\x01hello",
			wantError: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f, err := Decode([]byte(tt.data))

			if (err != nil) != tt.wantError {
				t.Errorf("Decode() error = %v, wantError %v", err, tt.wantError)
				return
			}

			if tt.wantError {
				return
			}

			if f.Op != tt.wantOp {
				t.Errorf("Decode() op = %v, want %v", f.Op, tt.wantOp)
			}
			if f.Type != tt.wantType {
				t.Errorf("Decode() type = %q, want %q", f.Type, tt.wantType)
			}
			switch {
			case tt.wantSeq == nil && f.Seq != nil:
				t.Errorf("Decode() seq = %d, want nil", *f.Seq)
			case tt.wantSeq != nil && (f.Seq == nil || *f.Seq != *tt.wantSeq):
				t.Errorf("Decode() seq = %v, want %d", f.Seq, *tt.wantSeq)
			}
		})
	}
}

func TestDecodeOversized(t *testing.T) {
	t.Parallel()

	data := make([]byte, maxPayloadSize+1)
	if _, err := Decode(data); err == nil {
		t.Error("expected error for oversized frame")
	}
}

func TestDecodeData(t *testing.T) {
	t.Parallel()

	f, err := Decode([]byte(`{"op":10,"d":{"heartbeat_interval":41250}}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	var hello Hello
	if err := f.DecodeData(&hello); err != nil {
		t.Fatalf("DecodeData() error = %v", err)
	}
	if hello.HeartbeatInterval != 41250 {
		t.Errorf("heartbeat_interval = %d, want 41250", hello.HeartbeatInterval)
	}

	empty := &Frame{Op: OpHello}
	if err := empty.DecodeData(&hello); err == nil {
		t.Error("expected error for frame without payload")
	}
}

func TestDecodeReady(t *testing.T) {
	t.Parallel()

	f, err := Decode([]byte(`{"op":0,"s":1,"t":"READY","d":{"v":10,"session_id":"s1","resume_gateway_url":"wss://resume.example","shard":[0,2]}}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	var ready Ready
	if err := f.DecodeData(&ready); err != nil {
		t.Fatalf("DecodeData() error = %v", err)
	}
	if ready.SessionID != "s1" || ready.ResumeGatewayURL != "wss://resume.example" {
		t.Errorf("unexpected ready payload %+v", ready)
	}
}

// TestEncodeFrameRoundTrip verifies that EncodeFrame and Decode are inverses
func TestEncodeFrameRoundTrip(t *testing.T) {
	t.Parallel()

	in := Frame{Op: OpDispatch, Data: json.RawMessage(`{"a":1}`), Seq: ptr(3), Type: "GUILD_CREATE"}
	raw, err := EncodeFrame(in)
	if err != nil {
		t.Fatalf("EncodeFrame() error = %v", err)
	}

	out, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if out.Op != in.Op || out.Type != in.Type || *out.Seq != *in.Seq || string(out.Data) != string(in.Data) {
		t.Errorf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestOpcodeString(t *testing.T) {
	t.Parallel()

	if OpHeartbeatAck.String() != "HEARTBEAT_ACK" {
		t.Errorf("String() = %q", OpHeartbeatAck.String())
	}
	if Opcode(42).String() != "OP_42" {
		t.Errorf("String() = %q", Opcode(42).String())
	}
}

func ptr(v int64) *int64 {
	return &v
}
