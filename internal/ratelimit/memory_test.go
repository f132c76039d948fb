package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a settable time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, rate float64, burst int) (*MemoryLimiter, *fakeClock) {
	t.Helper()
	m := NewMemoryLimiter(rate, burst)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m.now = clock.now
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m, clock
}

func allowN(t *testing.T, m *MemoryLimiter, key string, n int) int {
	t.Helper()
	allowed := 0
	for range n {
		ok, err := m.Allow(context.Background(), key)
		require.NoError(t, err)
		if ok {
			allowed++
		}
	}
	return allowed
}

func TestMemoryLimiterBurstThenDeny(t *testing.T) {
	m, _ := newTestLimiter(t, 1, 3)
	assert.Equal(t, 3, allowN(t, m, "uid:a", 3))
	assert.Equal(t, 0, allowN(t, m, "uid:a", 1))
}

func TestMemoryLimiterRefill(t *testing.T) {
	m, clock := newTestLimiter(t, 2, 2)
	assert.Equal(t, 2, allowN(t, m, "uid:a", 5))

	clock.advance(500 * time.Millisecond)
	assert.Equal(t, 1, allowN(t, m, "uid:a", 5), "half a second at 2 rps is one token")

	clock.advance(time.Hour)
	assert.Equal(t, 2, allowN(t, m, "uid:a", 5), "refill is capped at burst")
}

func TestMemoryLimiterIndependentKeys(t *testing.T) {
	m, _ := newTestLimiter(t, 1, 1)
	assert.Equal(t, 1, allowN(t, m, "uid:a", 2))
	assert.Equal(t, 1, allowN(t, m, "uid:b", 2))
}

func TestMemoryLimiterRetryAfter(t *testing.T) {
	m, clock := newTestLimiter(t, 4, 1)
	assert.Zero(t, m.RetryAfter("uid:a"))

	allowN(t, m, "uid:a", 1)
	assert.Equal(t, 250*time.Millisecond, m.RetryAfter("uid:a"))

	clock.advance(100 * time.Millisecond)
	assert.InDelta(t, float64(150*time.Millisecond), float64(m.RetryAfter("uid:a")), float64(time.Millisecond))
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	m, _ := newTestLimiter(t, 0, 50)
	var allowed atomic.Int64
	var wg sync.WaitGroup
	for range 20 {
		wg.Go(func() {
			for range 10 {
				if ok, _ := m.Allow(context.Background(), "uid:a"); ok {
					allowed.Add(1)
				}
			}
		})
	}
	wg.Wait()
	assert.Equal(t, int64(50), allowed.Load())
}

func TestMemoryLimiterEvictIdle(t *testing.T) {
	m, clock := newTestLimiter(t, 1, 1)
	allowN(t, m, "uid:old", 1)
	clock.advance(11 * time.Minute)
	allowN(t, m, "uid:new", 1)

	m.evictIdle()
	assert.Equal(t, 1, m.len())
	assert.Zero(t, m.RetryAfter("uid:old"), "evicted keys start with a full bucket")
}

func TestMemoryLimiterCloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var l Limiter = NoopLimiter{}
	for range 100 {
		ok, err := l.Allow(context.Background(), "k")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.NoError(t, l.Close())
}
