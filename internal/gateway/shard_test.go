package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/shardnet"
	"github.com/luciancaetano/shardnet/internal/gatewaytest"
	"github.com/luciancaetano/shardnet/internal/protocol"
)

const waitTimeout = 3 * time.Second

func newTestShard(t *testing.T, srv *gatewaytest.Server, mutate func(*Config)) *Shard {
	t.Helper()

	cfg := Config{
		ID:             0,
		Count:          1,
		Token:          "tok",
		Intents:        shardnet.IntentsDefault,
		URL:            srv.URL(),
		BackoffFloor:   10 * time.Millisecond,
		BackoffCeiling: 40 * time.Millisecond,
		EventBuffer:    64,
		Properties:     protocol.IdentifyProperties{OS: "linux", Browser: "shardnet", Device: "shardnet"},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg)
}

func startShard(t *testing.T, sh *Shard) (<-chan error, context.CancelFunc) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- sh.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-errc:
		case <-time.After(waitTimeout):
		}
	})
	return errc, cancel
}

func nextEvent(t *testing.T, sh *Shard) shardnet.Event {
	t.Helper()

	select {
	case ev, ok := <-sh.Events():
		require.True(t, ok, "events channel closed")
		return ev
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for event")
		return shardnet.Event{}
	}
}

func expectEvent(t *testing.T, sh *Shard, name string) shardnet.Event {
	t.Helper()

	for {
		ev := nextEvent(t, sh)
		if ev.Name == name {
			return ev
		}
	}
}

func TestShardIdentifiesAndDispatchesInOrder(t *testing.T) {
	t.Parallel()

	queries := make(chan string, 1)
	srv := gatewaytest.NewServer(gatewaytest.Options{
		OnConnect: func(c *gatewaytest.Client) { queries <- c.Query() },
	})
	t.Cleanup(srv.Close)

	sh := newTestShard(t, srv, func(c *Config) {
		c.ID = 2
		c.Count = 4
	})
	startShard(t, sh)

	assert.Equal(t, "v=10&encoding=json", <-queries)

	ready := nextEvent(t, sh)
	assert.Equal(t, protocol.EventReady, ready.Name)
	assert.Equal(t, 2, ready.Shard)

	for i := 0; i < 5; i++ {
		srv.Dispatch("MESSAGE_CREATE", map[string]int{"n": i})
	}
	for i := 0; i < 5; i++ {
		ev := nextEvent(t, sh)
		require.Equal(t, "MESSAGE_CREATE", ev.Name)

		var body map[string]int
		require.NoError(t, json.Unmarshal(ev.Data, &body))
		assert.Equal(t, i, body["n"])
		assert.Greater(t, ev.Sequence, ready.Sequence)
	}

	identifies := srv.Frames(protocol.OpIdentify)
	require.Len(t, identifies, 1)
	var id protocol.Identify
	require.NoError(t, json.Unmarshal(identifies[0].Frame.Data, &id))
	assert.Equal(t, "Bot tok", id.Token)
	assert.Equal(t, [2]int{2, 4}, id.Shard)
	assert.Equal(t, int(shardnet.IntentsDefault), id.Intents)
	assert.Equal(t, "linux", id.Properties.OS)

	st := sh.Status()
	assert.Equal(t, "listening", st.State)
	assert.True(t, st.HasSession)
	require.NotNil(t, st.Sequence)
}

func TestShardResumesAfterReconnectRequest(t *testing.T) {
	t.Parallel()

	srv := gatewaytest.NewServer(gatewaytest.Options{})
	t.Cleanup(srv.Close)

	sh := newTestShard(t, srv, nil)
	startShard(t, sh)

	ready := expectEvent(t, sh, protocol.EventReady)
	srv.RequestReconnect()
	expectEvent(t, sh, protocol.EventResumed)

	assert.Equal(t, 2, srv.Connections())
	assert.Equal(t, 1, srv.Count(protocol.OpIdentify))

	resumes := srv.Frames(protocol.OpResume)
	require.Len(t, resumes, 1)
	var res protocol.Resume
	require.NoError(t, json.Unmarshal(resumes[0].Frame.Data, &res))
	assert.Equal(t, "Bot tok", res.Token)
	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, ready.Sequence, res.Seq)
}

func TestShardReidentifiesAfterInvalidSession(t *testing.T) {
	t.Parallel()

	srv := gatewaytest.NewServer(gatewaytest.Options{})
	t.Cleanup(srv.Close)

	sh := newTestShard(t, srv, nil)
	startShard(t, sh)

	expectEvent(t, sh, protocol.EventReady)
	srv.InvalidateSession(false)
	expectEvent(t, sh, protocol.EventReady)

	assert.Equal(t, 2, srv.Count(protocol.OpIdentify))
	assert.Zero(t, srv.Count(protocol.OpResume))
}

func TestShardResumableInvalidSessionResumes(t *testing.T) {
	t.Parallel()

	srv := gatewaytest.NewServer(gatewaytest.Options{})
	t.Cleanup(srv.Close)

	sh := newTestShard(t, srv, nil)
	startShard(t, sh)

	expectEvent(t, sh, protocol.EventReady)
	srv.InvalidateSession(true)
	expectEvent(t, sh, protocol.EventResumed)

	assert.Equal(t, 1, srv.Count(protocol.OpIdentify))
	assert.Equal(t, 1, srv.Count(protocol.OpResume))
}

func TestShardFallsBackToIdentifyWhenResumeRejected(t *testing.T) {
	t.Parallel()

	srv := gatewaytest.NewServer(gatewaytest.Options{})
	t.Cleanup(srv.Close)

	sh := newTestShard(t, srv, nil)
	startShard(t, sh)

	expectEvent(t, sh, protocol.EventReady)
	srv.ForgetSessions()
	srv.RequestReconnect()
	expectEvent(t, sh, protocol.EventReady)

	assert.Equal(t, 1, srv.Count(protocol.OpResume))
	assert.Equal(t, 2, srv.Count(protocol.OpIdentify))
}

func TestShardCloseCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		code      int
		wantExit  bool
		wantFatal bool
		wantOp    protocol.Opcode
	}{
		{name: "normal closure exits", code: shardnet.CloseNormal, wantExit: true},
		{name: "authentication failed is fatal", code: shardnet.CloseAuthenticationFailed, wantExit: true, wantFatal: true},
		{name: "disallowed intents is fatal", code: shardnet.CloseDisallowedIntents, wantExit: true, wantFatal: true},
		{name: "session timeout re-identifies", code: shardnet.CloseSessionTimedOut, wantOp: protocol.OpIdentify},
		{name: "invalid seq re-identifies", code: shardnet.CloseInvalidSeq, wantOp: protocol.OpIdentify},
		{name: "unknown error resumes", code: shardnet.CloseUnknownError, wantOp: protocol.OpResume},
		{name: "going away resumes", code: 1001, wantOp: protocol.OpResume},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := gatewaytest.NewServer(gatewaytest.Options{})
			t.Cleanup(srv.Close)

			sh := newTestShard(t, srv, nil)
			errc, _ := startShard(t, sh)

			expectEvent(t, sh, protocol.EventReady)
			srv.CloseAll(tt.code, "test")

			if tt.wantExit {
				select {
				case err := <-errc:
					if tt.wantFatal {
						var ce *CloseError
						require.ErrorAs(t, err, &ce)
						assert.Equal(t, tt.code, ce.Code)
						assert.Equal(t, "test", ce.Reason)
					} else {
						assert.NoError(t, err)
					}
				case <-time.After(waitTimeout):
					t.Fatal("Run did not return")
				}
				assert.Equal(t, 1, srv.Connections())
				assert.Equal(t, shardnet.ShardStopped, sh.State())
				return
			}

			want := 1
			if tt.wantOp == protocol.OpIdentify {
				want = 2
			}
			require.Eventually(t, func() bool {
				return srv.Count(tt.wantOp) >= want && srv.Connections() == 2
			}, waitTimeout, 5*time.Millisecond)
			if tt.wantOp == protocol.OpIdentify {
				assert.Equal(t, 2, srv.Count(protocol.OpIdentify))
				assert.Zero(t, srv.Count(protocol.OpResume))
			}
		})
	}
}

func TestShardHeartbeats(t *testing.T) {
	t.Parallel()

	srv := gatewaytest.NewServer(gatewaytest.Options{HeartbeatInterval: 30 * time.Millisecond})
	t.Cleanup(srv.Close)

	sh := newTestShard(t, srv, nil)
	sh.jitter = func() float64 { return 1 }
	startShard(t, sh)

	ready := expectEvent(t, sh, protocol.EventReady)

	require.Eventually(t, func() bool {
		beats := srv.Frames(protocol.OpHeartbeat)
		if len(beats) < 3 {
			return false
		}
		var seq int64
		err := json.Unmarshal(beats[len(beats)-1].Frame.Data, &seq)
		return err == nil && seq == ready.Sequence
	}, waitTimeout, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return !sh.Status().LastAck.IsZero()
	}, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, 1, srv.Connections())
}

func TestShardClosesZombieConnection(t *testing.T) {
	t.Parallel()

	srv := gatewaytest.NewServer(gatewaytest.Options{
		HeartbeatInterval: 20 * time.Millisecond,
		DisableAcks:       true,
	})
	t.Cleanup(srv.Close)

	sh := newTestShard(t, srv, nil)
	startShard(t, sh)

	expectEvent(t, sh, protocol.EventReady)

	require.Eventually(t, func() bool {
		return srv.Connections() >= 2 && srv.Count(protocol.OpResume) >= 1
	}, waitTimeout, 5*time.Millisecond)
}

func TestShardAnsweringHeartbeatRequestKeepsConnection(t *testing.T) {
	t.Parallel()

	clients := make(chan *gatewaytest.Client, 1)
	srv := gatewaytest.NewServer(gatewaytest.Options{
		HeartbeatInterval: 60 * time.Millisecond,
		DisableAcks:       true,
		OnConnect: func(c *gatewaytest.Client) {
			select {
			case clients <- c:
			default:
			}
		},
	})
	t.Cleanup(srv.Close)

	sh := newTestShard(t, srv, nil)
	sh.jitter = func() float64 { return 1 }
	startShard(t, sh)

	expectEvent(t, sh, protocol.EventReady)
	c := <-clients

	seen := 0
	for round := 0; round < 3; round++ {
		require.Eventually(t, func() bool {
			return srv.Count(protocol.OpHeartbeat) > seen
		}, waitTimeout, time.Millisecond)

		// ack the scheduled beat, then ask for an extra one that is never acked
		require.NoError(t, c.SendOp(protocol.OpHeartbeatAck, nil))
		require.NoError(t, c.SendOp(protocol.OpHeartbeat, nil))

		want := seen + 2
		require.Eventually(t, func() bool {
			return srv.Count(protocol.OpHeartbeat) >= want
		}, waitTimeout, time.Millisecond)
		seen = srv.Count(protocol.OpHeartbeat)
	}

	assert.Equal(t, 1, srv.Connections())
	assert.Zero(t, srv.Count(protocol.OpResume))
}

func TestShardRequiresHelloFirst(t *testing.T) {
	t.Parallel()

	srv := gatewaytest.NewServer(gatewaytest.Options{
		SkipHello: true,
		OnConnect: func(c *gatewaytest.Client) {
			c.SendOp(protocol.OpHeartbeatAck, nil)
		},
	})
	t.Cleanup(srv.Close)

	sh := newTestShard(t, srv, nil)
	startShard(t, sh)

	require.Eventually(t, func() bool {
		return srv.Connections() >= 2
	}, waitTimeout, 5*time.Millisecond)
	assert.Zero(t, srv.Count(protocol.OpIdentify))
}

func TestShardCancelStopsAndCloses(t *testing.T) {
	t.Parallel()

	srv := gatewaytest.NewServer(gatewaytest.Options{HeartbeatInterval: 20 * time.Millisecond})
	t.Cleanup(srv.Close)

	sh := newTestShard(t, srv, nil)
	errc, cancel := startShard(t, sh)

	expectEvent(t, sh, protocol.EventReady)
	cancel()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return after cancel")
	}

	for range sh.Events() {
	}
	assert.Equal(t, shardnet.ShardStopped, sh.State())
	require.Eventually(t, func() bool { return srv.Live() == 0 }, waitTimeout, 5*time.Millisecond)

	// the heartbeat was joined before the transport closed, so nothing more
	// arrives after shutdown
	beats := srv.Count(protocol.OpHeartbeat)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, beats, srv.Count(protocol.OpHeartbeat))
}

func TestShardCloseStopsRun(t *testing.T) {
	t.Parallel()

	srv := gatewaytest.NewServer(gatewaytest.Options{})
	t.Cleanup(srv.Close)

	sh := newTestShard(t, srv, nil)
	errc, _ := startShard(t, sh)
	expectEvent(t, sh, protocol.EventReady)

	require.NoError(t, sh.Close())
	assert.Equal(t, shardnet.ShardStopped, sh.State())
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return after Close")
	}
	require.NoError(t, sh.Close())
}

func TestShardRunTwice(t *testing.T) {
	t.Parallel()

	srv := gatewaytest.NewServer(gatewaytest.Options{})
	t.Cleanup(srv.Close)

	sh := newTestShard(t, srv, nil)
	startShard(t, sh)
	expectEvent(t, sh, protocol.EventReady)

	assert.ErrorIs(t, sh.Run(context.Background()), ErrAlreadyRunning)
}

func TestShardRetriesUnreachableGateway(t *testing.T) {
	t.Parallel()

	srv := gatewaytest.NewServer(gatewaytest.Options{})
	url := srv.URL()
	srv.Close()

	sh := newTestShard(t, srv, func(c *Config) { c.URL = url })
	errc, cancel := startShard(t, sh)

	require.Eventually(t, func() bool {
		return sh.backoff.Current() == 40*time.Millisecond
	}, waitTimeout, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return")
	}
}
