// Package ratelimit tracks the rate limit buckets assigned by the server and
// the process-wide global throttle.
//
// Buckets are keyed by the X-RateLimit-Bucket header, not by endpoint: the
// server may place several endpoints in one bucket. The tracker learns the
// endpoint → bucket mapping from responses.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luciancaetano/shardnet/internal/logging"
	"github.com/luciancaetano/shardnet/internal/metrics"
)

// Bucket is the mutable state of one server-assigned bucket.
type Bucket struct {
	id string

	mu         sync.Mutex
	remaining  int
	resetAfter time.Duration
	resetAt    time.Time
	cooldown   *cooldown
}

// BucketSnapshot is a copy of a bucket's state.
type BucketSnapshot struct {
	ID         string
	Remaining  int
	ResetAfter time.Duration
	ResetAt    time.Time
	CoolingOff bool
}

// cooldown is the single in-flight "sleep until reset" for a bucket.
// done is closed once the bucket may be used again; ended is written
// before done is closed.
type cooldown struct {
	done  chan struct{}
	until time.Time
	ended time.Time
}

func (c *cooldown) finished() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Tracker holds every bucket seen so far.
type Tracker struct {
	mu        sync.Mutex
	buckets   map[string]*Bucket
	locks     map[string]ctxLock
	endpoints map[string]string

	cooldowns atomic.Int64
	closed    chan struct{}
	closeOnce sync.Once

	log     *logging.Logger
	metrics *metrics.Metrics
}

// NewTracker creates an empty tracker. log and m may be nil.
func NewTracker(log *logging.Logger, m *metrics.Metrics) *Tracker {
	if log == nil {
		log = logging.Nop()
	}
	return &Tracker{
		buckets:   make(map[string]*Bucket),
		locks:     make(map[string]ctxLock),
		endpoints: make(map[string]string),
		closed:    make(chan struct{}),
		log:       log.Component("ratelimit"),
		metrics:   m,
	}
}

// Wait blocks while the bucket last associated with endpoint is cooling
// down. It reports whether it had to wait.
func (t *Tracker) Wait(ctx context.Context, endpoint string) (bool, error) {
	t.mu.Lock()
	b := t.buckets[t.endpoints[endpoint]]
	t.mu.Unlock()
	if b == nil {
		return false, nil
	}

	b.mu.Lock()
	cd := b.cooldown
	b.mu.Unlock()
	if cd == nil || cd.finished() {
		return false, nil
	}

	t.metrics.RateLimitWait("bucket")
	t.log.Debug().
		Str("bucket", b.id).
		Str("endpoint", endpoint).
		Dur("remaining_wait", time.Until(cd.until)).
		Msg("waiting for bucket reset")

	select {
	case <-cd.done:
		return true, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

// Update records the headers of a response to endpoint.
//
// When the bucket is exhausted and no cooldown is running, one is started and
// Update returns immediately. When a cooldown is already running, Update
// waits for it while holding the bucket lock, so concurrent callers share
// the one cooldown instead of starting their own. Headers that arrived while
// the last cooldown was still running are already covered by it and are
// discarded.
func (t *Tracker) Update(ctx context.Context, endpoint string, h Headers) error {
	if h.Bucket == "" {
		return nil
	}
	arrived := time.Now()

	t.mu.Lock()
	t.endpoints[endpoint] = h.Bucket
	lock, ok := t.locks[h.Bucket]
	if !ok {
		lock = newCtxLock()
		t.locks[h.Bucket] = lock
	}
	b, ok := t.buckets[h.Bucket]
	if !ok {
		b = &Bucket{id: h.Bucket}
		t.buckets[h.Bucket] = b
	}
	t.mu.Unlock()

	if err := lock.lock(ctx); err != nil {
		return err
	}
	defer lock.unlock()

	b.mu.Lock()
	cd := b.cooldown
	if cd != nil && cd.finished() {
		if arrived.Before(cd.ended) {
			b.mu.Unlock()
			return nil
		}
		cd = nil
	}
	b.remaining = h.Remaining
	b.resetAfter = h.ResetAfter
	b.resetAt = h.ResetAt
	if b.remaining == 0 && cd == nil {
		b.cooldown = t.startCooldown(b, h.ResetAfter)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	if cd == nil {
		return nil
	}
	select {
	case <-cd.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startCooldown must be called with b.mu held.
func (t *Tracker) startCooldown(b *Bucket, d time.Duration) *cooldown {
	cd := &cooldown{
		done:  make(chan struct{}),
		until: time.Now().Add(d),
	}
	t.cooldowns.Add(1)
	t.metrics.CooldownStarted()
	t.log.Warn().
		Str("bucket", b.id).
		Dur("reset_after", d).
		Msg("bucket exhausted, cooling off")

	go func() {
		timer := time.NewTimer(d)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-t.closed:
		}

		b.mu.Lock()
		cd.ended = time.Now()
		b.mu.Unlock()
		close(cd.done)

		t.log.Debug().Str("bucket", b.id).Msg("bucket reset")
	}()

	return cd
}

// Cooldowns returns how many cooldowns have been started.
func (t *Tracker) Cooldowns() int64 {
	return t.cooldowns.Load()
}

// BucketFor returns the bucket id last seen for endpoint.
func (t *Tracker) BucketFor(endpoint string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.endpoints[endpoint]
	return id, ok
}

// Snapshot returns a copy of a bucket's state.
func (t *Tracker) Snapshot(id string) (BucketSnapshot, bool) {
	t.mu.Lock()
	b, ok := t.buckets[id]
	t.mu.Unlock()
	if !ok {
		return BucketSnapshot{}, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return BucketSnapshot{
		ID:         b.id,
		Remaining:  b.remaining,
		ResetAfter: b.resetAfter,
		ResetAt:    b.resetAt,
		CoolingOff: b.cooldown != nil && !b.cooldown.finished(),
	}, true
}

// Close releases every pending cooldown.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() {
		close(t.closed)
	})
}
