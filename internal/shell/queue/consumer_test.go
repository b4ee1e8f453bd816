package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects processed ids and tracks overlapping dispatches.
type recorder struct {
	mu          sync.Mutex
	ids         []string
	current     atomic.Int32
	maxInFlight atomic.Int32
}

func (r *recorder) process(ctx context.Context, id string) error {
	n := r.current.Add(1)
	defer r.current.Add(-1)
	for {
		max := r.maxInFlight.Load()
		if n <= max || r.maxInFlight.CompareAndSwap(max, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
	return nil
}

func (r *recorder) processed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func TestConsumer_StartStop(t *testing.T) {
	c := NewConsumer(NewMemoryQueue(0), func(context.Context, string) error { return nil },
		ConsumerConfig{Interval: 10 * time.Millisecond}, nil)

	c.Start()
	c.Start() // second start is a no-op
	time.Sleep(30 * time.Millisecond)
	c.Stop()
	c.Stop()
}

func TestConsumer_StopWithoutStart(t *testing.T) {
	c := NewConsumer(NewMemoryQueue(0), func(context.Context, string) error { return nil },
		DefaultConsumerConfig(), nil)
	c.Stop()
}

func TestConsumer_DefaultsApplied(t *testing.T) {
	c := NewConsumer(NewMemoryQueue(0), nil, ConsumerConfig{}, nil)
	assert.Equal(t, time.Second, c.config.Interval)
	assert.Equal(t, "consumer-0", c.config.Name)
}

func TestConsumer_SingleFlight(t *testing.T) {
	q := NewMemoryQueue(0)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "a"))
	require.NoError(t, q.Enqueue(ctx, "b"))

	release := make(chan struct{})
	started := make(chan string, 2)
	c := NewConsumer(q, func(_ context.Context, id string) error {
		started <- id
		<-release
		return nil
	}, DefaultConsumerConfig(), nil)

	require.True(t, c.poll())
	assert.Equal(t, "a", <-started)
	assert.True(t, c.Busy())

	// Slot is taken: ticks must not dequeue.
	assert.False(t, c.poll())
	assert.False(t, c.poll())
	assert.Equal(t, 1, q.Len())

	close(release)
	require.NoError(t, c.Wait(ctx))
	assert.False(t, c.Busy())

	require.True(t, c.poll())
	assert.Equal(t, "b", <-started)
	require.NoError(t, c.Wait(ctx))
	assert.Equal(t, 0, q.Len())
}

func TestConsumer_EmptyQueueReleasesSlot(t *testing.T) {
	c := NewConsumer(NewMemoryQueue(0), func(context.Context, string) error { return nil },
		DefaultConsumerConfig(), nil)

	assert.False(t, c.poll())
	assert.False(t, c.Busy())
}

func TestConsumer_ProcessesInFIFOOrder(t *testing.T) {
	q := NewMemoryQueue(0)
	ctx := context.Background()
	want := []string{"d1", "d2", "d3", "d4", "d5"}
	for _, id := range want {
		require.NoError(t, q.Enqueue(ctx, id))
	}

	rec := &recorder{}
	c := NewConsumer(q, rec.process, ConsumerConfig{Interval: 2 * time.Millisecond}, nil)
	c.Start()
	defer c.Stop()

	require.Eventually(t, func() bool {
		return len(rec.processed()) == len(want)
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, want, rec.processed())
	assert.Equal(t, int32(1), rec.maxInFlight.Load())
}

func TestConsumer_RecoversFromPanic(t *testing.T) {
	q := NewMemoryQueue(0)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "boom"))
	require.NoError(t, q.Enqueue(ctx, "ok"))

	var processed atomic.Value
	c := NewConsumer(q, func(_ context.Context, id string) error {
		if id == "boom" {
			panic("handler exploded")
		}
		processed.Store(id)
		return nil
	}, ConsumerConfig{Interval: 2 * time.Millisecond}, nil)

	c.Start()
	defer c.Stop()

	require.Eventually(t, func() bool {
		v, _ := processed.Load().(string)
		return v == "ok"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestConsumer_ErrorDoesNotStopLoop(t *testing.T) {
	q := NewMemoryQueue(0)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "fails"))
	require.NoError(t, q.Enqueue(ctx, "works"))

	var calls atomic.Int32
	c := NewConsumer(q, func(_ context.Context, id string) error {
		calls.Add(1)
		if id == "fails" {
			return errors.New("store unavailable")
		}
		return nil
	}, ConsumerConfig{Interval: 2 * time.Millisecond}, nil)

	c.Start()
	defer c.Stop()

	require.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestConsumer_StopDoesNotCancelInFlight(t *testing.T) {
	q := NewMemoryQueue(0)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "long"))

	started := make(chan struct{})
	release := make(chan struct{})
	var ctxErr atomic.Value
	c := NewConsumer(q, func(pctx context.Context, _ string) error {
		close(started)
		<-release
		if err := pctx.Err(); err != nil {
			ctxErr.Store(err)
		}
		return nil
	}, ConsumerConfig{Interval: 2 * time.Millisecond}, nil)

	c.Start()
	<-started
	c.Stop()
	assert.True(t, c.Busy())

	close(release)
	require.NoError(t, c.Wait(ctx))
	assert.Nil(t, ctxErr.Load())
}

func TestConsumer_WaitHonoursContext(t *testing.T) {
	q := NewMemoryQueue(0)
	require.NoError(t, q.Enqueue(context.Background(), "stuck"))

	release := make(chan struct{})
	defer close(release)
	c := NewConsumer(q, func(context.Context, string) error {
		<-release
		return nil
	}, DefaultConsumerConfig(), nil)
	require.True(t, c.poll())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Wait(ctx), context.DeadlineExceeded)
}

func TestConsumer_WaitStopsPolling(t *testing.T) {
	q := NewMemoryQueue(0)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "a"))

	rec := &recorder{}
	c := NewConsumer(q, rec.process, ConsumerConfig{Interval: time.Millisecond}, nil)
	c.Start()
	require.Eventually(t, func() bool {
		return len(rec.processed()) == 1
	}, 3*time.Second, time.Millisecond)

	require.NoError(t, c.Wait(ctx))
	require.NoError(t, q.Enqueue(ctx, "b"))
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, []string{"a"}, rec.processed())
	assert.Equal(t, 1, q.Len())
}

// =============================================================================
// Pool Tests
// =============================================================================

func TestPool_BoundedConcurrency(t *testing.T) {
	q := NewMemoryQueue(0)
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		require.NoError(t, q.Enqueue(ctx, string(rune('a'+i))))
	}

	rec := &recorder{}
	p := NewPool(q, rec.process, PoolConfig{Size: 3, Interval: 2 * time.Millisecond}, nil)
	assert.Equal(t, 3, p.Size())
	p.Start()

	require.Eventually(t, func() bool {
		return len(rec.processed()) == 12
	}, 3*time.Second, 5*time.Millisecond)

	p.Stop()
	require.NoError(t, p.Wait(ctx))
	assert.LessOrEqual(t, rec.maxInFlight.Load(), int32(3))
	assert.Equal(t, 0, p.Busy())
	assert.ElementsMatch(t, []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l"}, rec.processed())
}

func TestPool_DefaultSize(t *testing.T) {
	p := NewPool(NewMemoryQueue(0), func(context.Context, string) error { return nil }, PoolConfig{}, nil)
	assert.Equal(t, 1, p.Size())
}
