package gateway

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff is the reconnect delay of one shard.
//
// The nominal delay starts at the floor, doubles after every failed
// connection and is capped at the ceiling. The delay actually slept is the
// nominal delay scaled by a jitter factor in [0.5, 1], so it never exceeds
// the ceiling either.
type Backoff struct {
	mu      sync.Mutex
	floor   time.Duration
	ceiling time.Duration
	current time.Duration
	jitter  func() float64
}

// NewBackoff creates a backoff starting at floor.
func NewBackoff(floor, ceiling time.Duration) *Backoff {
	if ceiling < floor {
		ceiling = floor
	}
	return &Backoff{
		floor:   floor,
		ceiling: ceiling,
		current: floor,
		jitter:  func() float64 { return 0.5 + rand.Float64()/2 },
	}
}

// Next returns the delay to sleep before the next attempt and doubles the
// nominal delay for the attempt after that.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := time.Duration(float64(b.current) * b.jitter())
	b.current *= 2
	if b.current > b.ceiling {
		b.current = b.ceiling
	}
	return d
}

// Current returns the nominal delay of the next attempt.
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Reset returns the delay to the floor.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.current = b.floor
	b.mu.Unlock()
}
