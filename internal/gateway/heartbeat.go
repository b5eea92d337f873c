package gateway

import (
	"context"
	"time"

	"github.com/luciancaetano/shardnet"
	"github.com/luciancaetano/shardnet/internal/protocol"
)

// heartbeater is the heartbeat goroutine of one connection.
type heartbeater struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// stop cancels the goroutine and waits for it to return. Safe to call more
// than once and from several goroutines.
func (h *heartbeater) stop() {
	if h == nil {
		return
	}
	h.cancel()
	<-h.done
}

// startHeartbeat launches the heartbeat goroutine for conn.
func (s *Shard) startHeartbeat(ctx context.Context, conn *Conn, interval time.Duration) {
	hbCtx, cancel := context.WithCancel(ctx)
	hb := &heartbeater{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.hb = hb
	s.mu.Unlock()

	s.acked.Store(true)

	go func() {
		defer close(hb.done)
		s.heartbeatLoop(hbCtx, conn, interval)
	}()
}

// stopHeartbeat cancels and joins the heartbeat of the current connection.
func (s *Shard) stopHeartbeat() {
	s.mu.Lock()
	hb := s.hb
	s.mu.Unlock()
	hb.stop()
}

func (s *Shard) heartbeatLoop(ctx context.Context, conn *Conn, interval time.Duration) {
	// first beat is offset so shards started together do not beat together
	timer := time.NewTimer(time.Duration(float64(interval) * s.jitter()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if !s.acked.Load() {
			s.log.Warn().
				Dur("interval", interval).
				Msg("heartbeat not acknowledged, closing zombie connection")
			conn.CloseWithCode(shardnet.CloseUnknownError, shardnet.ErrHeartbeatNotAcked)
			return
		}

		// only the loop's own beats are tracked; answers to op 1 are not
		s.acked.Store(false)
		if err := s.sendHeartbeat(ctx, conn); err != nil {
			return
		}
		timer.Reset(interval)
	}
}

func (s *Shard) sendHeartbeat(ctx context.Context, conn *Conn) error {
	s.mu.Lock()
	seq := copySeq(s.seq)
	s.mu.Unlock()

	if err := conn.Send(ctx, protocol.OpHeartbeat, protocol.Heartbeat(seq)); err != nil {
		return err
	}

	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()
	s.metrics.Heartbeat(s.id)

	s.log.Debug().Interface("seq", seq).Msg("heartbeat sent")
	return nil
}

func copySeq(seq *int64) *int64 {
	if seq == nil {
		return nil
	}
	v := *seq
	return &v
}
