package shard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/shardnet"
)

type fakeShard struct {
	id      int
	count   int
	url     string
	emit    []string
	runErr  error
	events  chan shardnet.Event
	closing chan struct{}
	once    sync.Once
	closed  atomic.Bool
}

func newFakeShard(id, count int, url string, emit ...string) *fakeShard {
	return &fakeShard{
		id:      id,
		count:   count,
		url:     url,
		emit:    emit,
		events:  make(chan shardnet.Event),
		closing: make(chan struct{}),
	}
}

func (f *fakeShard) ID() int { return f.id }
func (f *fakeShard) Events() <-chan shardnet.Event { return f.events }

func (f *fakeShard) Status() shardnet.ShardStatus {
	return shardnet.ShardStatus{ID: f.id, Count: f.count, State: shardnet.ShardListening.String()}
}

func (f *fakeShard) Run(ctx context.Context) error {
	defer close(f.events)
	for i, name := range f.emit {
		select {
		case f.events <- shardnet.Event{Shard: f.id, Name: name, Sequence: int64(i + 1)}:
		case <-ctx.Done():
			return nil
		}
	}
	if f.runErr != nil {
		return f.runErr
	}
	select {
	case <-ctx.Done():
	case <-f.closing:
	}
	return nil
}

func (f *fakeShard) Close() error {
	f.closed.Store(true)
	f.once.Do(func() { close(f.closing) })
	return nil
}

func TestLaunchBatches(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		batches = [][]int{{}}
		delays  []time.Duration
	)

	m := NewManager(Options{
		BatchDelay: 5 * time.Second,
		Factory: func(id, count int, url string) shardnet.Shard {
			assert.Equal(t, 7, count)
			assert.Equal(t, "wss://gateway.example", url)
			mu.Lock()
			batches[len(batches)-1] = append(batches[len(batches)-1], id)
			mu.Unlock()
			return newFakeShard(id, count, url)
		},
	})
	m.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		batches = append(batches, []int{})
		mu.Unlock()
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.Launch(ctx, "wss://gateway.example", 7, 3))

	mu.Lock()
	assert.Equal(t, [][]int{{0, 1, 2}, {3, 4, 5}, {6}}, batches)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, delays)
	mu.Unlock()

	statuses := m.Statuses()
	require.Len(t, statuses, 7)
	for i, st := range statuses {
		assert.Equal(t, i, st.ID)
	}

	assert.ErrorIs(t, m.Launch(ctx, "wss://gateway.example", 7, 3), ErrAlreadyLaunched)

	cancel()
	require.NoError(t, m.Wait(context.Background()))
}

func TestLaunchPacesBatches(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		started = map[int]time.Time{}
	)
	m := NewManager(Options{
		BatchDelay: 50 * time.Millisecond,
		Factory: func(id, count int, url string) shardnet.Shard {
			mu.Lock()
			started[id] = time.Now()
			mu.Unlock()
			return newFakeShard(id, count, url)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Launch(ctx, "wss://gateway.example", 4, 2))

	mu.Lock()
	defer mu.Unlock()
	assert.Less(t, started[1].Sub(started[0]), 40*time.Millisecond)
	assert.GreaterOrEqual(t, started[2].Sub(started[1]), 45*time.Millisecond)
	assert.Less(t, started[3].Sub(started[2]), 40*time.Millisecond)
}

func TestLaunchInterrupted(t *testing.T) {
	t.Parallel()

	var created atomic.Int32
	m := NewManager(Options{
		BatchDelay: time.Hour,
		Factory: func(id, count int, url string) shardnet.Shard {
			created.Add(1)
			return newFakeShard(id, count, url)
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := m.Launch(ctx, "wss://gateway.example", 4, 2)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(2), created.Load())

	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("launched shards did not stop")
	}
}

func TestLaunchRejectsInvalidCount(t *testing.T) {
	t.Parallel()

	m := NewManager(Options{Factory: func(id, count int, url string) shardnet.Shard {
		return newFakeShard(id, count, url)
	}})
	assert.Error(t, m.Launch(context.Background(), "wss://gateway.example", 0, 1))
}

func TestMergedEventsKeepShardOrder(t *testing.T) {
	t.Parallel()

	names := []string{"READY", "GUILD_CREATE", "MESSAGE_CREATE", "MESSAGE_UPDATE", "MESSAGE_DELETE"}
	m := NewManager(Options{
		EventBuffer: 4,
		Factory: func(id, count int, url string) shardnet.Shard {
			return newFakeShard(id, count, url, names...)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Launch(ctx, "wss://gateway.example", 3, 3))

	got := map[int][]int64{}
	for i := 0; i < 3*len(names); i++ {
		select {
		case ev := <-m.Events():
			got[ev.Shard] = append(got[ev.Shard], ev.Sequence)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	for id := 0; id < 3; id++ {
		assert.Equal(t, []int64{1, 2, 3, 4, 5}, got[id], "shard %d", id)
	}

	require.NoError(t, m.Close())
	for _, sh := range m.Shards() {
		assert.True(t, sh.(*fakeShard).closed.Load())
	}

	_, open := <-m.Events()
	assert.False(t, open)
	require.NoError(t, m.Wait(context.Background()))
}

func TestWaitReturnsShardErrors(t *testing.T) {
	t.Parallel()

	fatal := errors.New("authentication failed")
	m := NewManager(Options{
		Factory: func(id, count int, url string) shardnet.Shard {
			sh := newFakeShard(id, count, url)
			if id == 1 {
				sh.runErr = fatal
			}
			return sh
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Launch(ctx, "wss://gateway.example", 2, 2))

	time.AfterFunc(20*time.Millisecond, cancel)
	err := m.Wait(context.Background())
	assert.ErrorIs(t, err, fatal)
}
