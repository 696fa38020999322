package lease

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTryAcquireIsExclusive(t *testing.T) {
	l := New(time.Minute)
	first, ok := l.TryAcquire("dispatch")
	require.True(t, ok)

	_, ok = l.TryAcquire("dispatch-2")
	assert.False(t, ok)

	h, held := l.Holder()
	require.True(t, held)
	assert.Equal(t, "dispatch", h.Label)

	l.Release(first)
	l.Release(first)
	_, held = l.Holder()
	assert.False(t, held)

	_, ok = l.TryAcquire("dispatch-2")
	assert.True(t, ok)
}

func TestExpiredLeaseIsTakenOver(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := New(30 * time.Second).WithClock(clk.Now)

	stale, ok := l.TryAcquire("stuck")
	require.True(t, ok)

	clk.Advance(29 * time.Second)
	_, ok = l.TryAcquire("next")
	assert.False(t, ok)

	clk.Advance(2 * time.Second)
	fresh, ok := l.TryAcquire("next")
	require.True(t, ok)
	assert.EqualValues(t, 1, l.ExpiredTakeovers())

	// the stale holder finishing late must not free the new lease
	l.Release(stale)
	h, held := l.Holder()
	require.True(t, held)
	assert.Equal(t, fresh.Token, h.Token)
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	l := New(time.Minute)
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := l.TryAcquire("race"); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())
}

func TestAcquireWaitsForRelease(t *testing.T) {
	l := New(time.Minute)
	held, ok := l.TryAcquire("dispatch")
	require.True(t, ok)

	go func() {
		time.Sleep(20 * time.Millisecond)
		l.Release(held)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := l.Acquire(ctx, "admin", 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "admin", got.Label)
}

func TestAcquireHonoursContext(t *testing.T) {
	l := New(time.Minute)
	_, ok := l.TryAcquire("dispatch")
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := l.Acquire(ctx, "admin", 5*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestForceClear(t *testing.T) {
	l := New(time.Minute)
	_, ok := l.TryAcquire("dispatch")
	require.True(t, ok)
	l.ForceClear()
	_, ok = l.TryAcquire("admin")
	assert.True(t, ok)
}
