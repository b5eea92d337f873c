package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/luciancaetano/shardnet/internal/logging"
	"github.com/luciancaetano/shardnet/internal/metrics"
)

// GlobalThrottle pauses every endpoint after the server reports a global
// rate limit.
type GlobalThrottle struct {
	mu    sync.Mutex
	until time.Time

	log     *logging.Logger
	metrics *metrics.Metrics
}

// NewGlobalThrottle creates an inactive throttle. log and m may be nil.
func NewGlobalThrottle(log *logging.Logger, m *metrics.Metrics) *GlobalThrottle {
	if log == nil {
		log = logging.Nop()
	}
	return &GlobalThrottle{
		log:     log.Component("ratelimit"),
		metrics: m,
	}
}

// Extend moves the resume time to now+d. The resume time never moves
// backwards.
func (g *GlobalThrottle) Extend(d time.Duration) {
	until := time.Now().Add(d)

	g.mu.Lock()
	defer g.mu.Unlock()
	if until.After(g.until) {
		g.until = until
		g.log.Warn().Dur("retry_after", d).Msg("global rate limit hit")
	}
}

// Until returns the time requests may resume.
func (g *GlobalThrottle) Until() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.until
}

// Wait blocks until the throttle is inactive. It reports whether it had to
// wait.
func (g *GlobalThrottle) Wait(ctx context.Context) (bool, error) {
	waited := false
	for {
		d := time.Until(g.Until())
		if d <= 0 {
			return waited, nil
		}
		if !waited {
			waited = true
			g.metrics.RateLimitWait("global")
			g.log.Debug().Dur("wait", d).Msg("waiting for global rate limit")
		}

		timer := time.NewTimer(d)
		select {
		case <-timer.C:
			// re-read: the deadline may have been extended meanwhile
		case <-ctx.Done():
			timer.Stop()
			return waited, ctx.Err()
		}
	}
}
