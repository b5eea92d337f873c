// Package shard starts and supervises a set of gateway shards.
//
// Shards are launched in batches of at most maxConcurrency, with a pause
// between batches, and their event streams are merged into one channel.
// Events keep their order within a shard; nothing is guaranteed across
// shards.
package shard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luciancaetano/shardnet"
	"github.com/luciancaetano/shardnet/internal/logging"
)

// ErrAlreadyLaunched is returned by a second call to Launch.
var ErrAlreadyLaunched = errors.New("shards already launched")

// Factory creates shard id of count connecting to url.
type Factory func(id, count int, url string) shardnet.Shard

// Options configures a Manager.
type Options struct {
	// Factory builds each shard. Required.
	Factory Factory

	// BatchDelay separates two launch batches.
	BatchDelay time.Duration

	// EventBuffer is the capacity of the merged event channel.
	EventBuffer int

	Logger *logging.Logger
}

// Manager owns every shard of a client.
type Manager struct {
	factory    Factory
	batchDelay time.Duration
	sleep      func(ctx context.Context, d time.Duration) error

	events chan shardnet.Event
	done   chan struct{}

	launched atomic.Bool
	runs     sync.WaitGroup
	pumps    sync.WaitGroup

	mu     sync.Mutex
	shards []shardnet.Shard
	errs   []error

	log *logging.Logger
}

// NewManager creates a manager with no shards.
func NewManager(opts Options) *Manager {
	if opts.BatchDelay < 0 {
		opts.BatchDelay = 0
	}
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}

	return &Manager{
		factory:    opts.Factory,
		batchDelay: opts.BatchDelay,
		sleep:      sleep,
		events:     make(chan shardnet.Event, opts.EventBuffer),
		done:       make(chan struct{}),
		log:        log.Component("shards"),
	}
}

// Launch starts shards [0, count) in consecutive batches of at most
// maxConcurrency. Every shard of a batch is started without waiting for the
// others to connect; the manager then pauses BatchDelay before the next
// batch. Launch returns once the last batch has been started, or with
// ctx.Err() if ctx ends between batches.
//
// A manager launches once, even when Launch fails.
func (m *Manager) Launch(ctx context.Context, url string, count, maxConcurrency int) error {
	if !m.launched.CompareAndSwap(false, true) {
		return ErrAlreadyLaunched
	}
	defer m.closeWhenDone()

	if count <= 0 {
		return fmt.Errorf("%s: %d", shardnet.ErrInvalidShardCount, count)
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	if m.factory == nil {
		return errors.New("shard factory is required")
	}

	m.log.Info().
		Int("shards", count).
		Int("max_concurrency", maxConcurrency).
		Str("url", url).
		Msg("launching shards")

	for batch, start := 0, 0; start < count; batch, start = batch+1, start+maxConcurrency {
		if start > 0 {
			if err := m.sleep(ctx, m.batchDelay); err != nil {
				m.log.Warn().Int("next_shard", start).Msg("launch interrupted")
				return err
			}
		}

		end := min(start+maxConcurrency, count)
		for id := start; id < end; id++ {
			m.start(ctx, m.factory(id, count, url))
		}

		m.log.Info().
			Int("batch", batch).
			Int("first", start).
			Int("last", end-1).
			Msg("batch started")
	}

	return nil
}

func (m *Manager) start(ctx context.Context, sh shardnet.Shard) {
	m.mu.Lock()
	m.shards = append(m.shards, sh)
	m.mu.Unlock()

	m.runs.Add(1)
	go func() {
		defer m.runs.Done()
		if err := sh.Run(ctx); err != nil {
			m.log.Error().Err(err).Int("shard", sh.ID()).Msg("shard stopped")
			m.mu.Lock()
			m.errs = append(m.errs, err)
			m.mu.Unlock()
			return
		}
		m.log.Debug().Int("shard", sh.ID()).Msg("shard stopped")
	}()

	m.pumps.Add(1)
	go func() {
		defer m.pumps.Done()
		for ev := range sh.Events() {
			m.events <- ev
		}
	}()
}

// closeWhenDone closes the merged stream once every launched shard has
// stopped and drained.
func (m *Manager) closeWhenDone() {
	go func() {
		m.runs.Wait()
		m.pumps.Wait()
		close(m.events)
		close(m.done)
	}()
}

// Events returns the merged event stream. It is closed after every shard
// has stopped.
func (m *Manager) Events() <-chan shardnet.Event {
	return m.events
}

// Done is closed after every launched shard has stopped.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Wait blocks until every shard has stopped or ctx is done. It returns the
// errors shards stopped with.
func (m *Manager) Wait(ctx context.Context) error {
	if !m.launched.Load() {
		return nil
	}
	select {
	case <-m.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return errors.Join(m.errs...)
}

// Shards returns the launched shards in launch order.
func (m *Manager) Shards() []shardnet.Shard {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]shardnet.Shard(nil), m.shards...)
}

// Statuses returns a status snapshot of every shard, ordered by id.
func (m *Manager) Statuses() []shardnet.ShardStatus {
	shards := m.Shards()
	out := make([]shardnet.ShardStatus, 0, len(shards))
	for _, sh := range shards {
		out = append(out, sh.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close closes every shard: heartbeat first, then transport.
func (m *Manager) Close() error {
	var errs []error
	for _, sh := range m.Shards() {
		if err := sh.Close(); err != nil {
			errs = append(errs, fmt.Errorf("shard %d: %w", sh.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
