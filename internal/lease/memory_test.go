package lease

import (
	"context"
	"fmt"
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
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore() (*MemoryStore, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewMemoryStore()
	s.SetClock(clock.Now)
	return s, clock
}

func TestMemoryStore_AcquireExclusive(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	ok, err := s.Acquire(ctx, "worker", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Acquire(ctx, "worker", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second owner must not acquire a valid lease")

	l, err := s.Get(ctx, "worker")
	require.NoError(t, err)
	assert.Equal(t, "a", l.Owner)
}

func TestMemoryStore_AcquireAfterExpiry(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore()

	ok, _ := s.Acquire(ctx, "worker", "a", time.Minute)
	require.True(t, ok)

	clock.Advance(time.Minute)
	ok, err := s.Acquire(ctx, "worker", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Refresh(ctx, "worker", "a", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "previous owner's refresh must fail once reclaimed")
}

func TestMemoryStore_RefreshAndRelease(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore()

	ok, _ := s.Acquire(ctx, "job:1", "a", time.Minute)
	require.True(t, ok)

	clock.Advance(50 * time.Second)
	ok, err := s.Refresh(ctx, "job:1", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	clock.Advance(50 * time.Second)
	ok, _ = s.Acquire(ctx, "job:1", "b", time.Minute)
	assert.False(t, ok, "refresh must extend expiry")

	require.NoError(t, s.Release(ctx, "job:1", "b"))
	_, err = s.Get(ctx, "job:1")
	require.NoError(t, err, "release by a non-owner is a no-op")

	require.NoError(t, s.Release(ctx, "job:1", "a"))
	_, err = s.Get(ctx, "job:1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_StaleAndReclaim(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore()

	ok, _ := s.Acquire(ctx, "worker", "a", 10*time.Minute)
	require.True(t, ok)

	stale, err := s.IsStale(ctx, "worker", 90*time.Second)
	require.NoError(t, err)
	assert.False(t, stale)

	reclaimed, err := s.ReclaimStale(ctx, "worker", 90*time.Second)
	require.NoError(t, err)
	assert.False(t, reclaimed)

	clock.Advance(2 * time.Minute)
	stale, err = s.IsStale(ctx, "worker", 90*time.Second)
	require.NoError(t, err)
	assert.True(t, stale, "unrefreshed lease becomes stale before it expires")

	reclaimed, err = s.ReclaimStale(ctx, "worker", 90*time.Second)
	require.NoError(t, err)
	assert.True(t, reclaimed)

	ok, err = s.Acquire(ctx, "worker", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStore_IsStaleMissing(t *testing.T) {
	s, _ := newTestStore()
	stale, err := s.IsStale(context.Background(), "nope", time.Second)
	require.NoError(t, err)
	assert.False(t, stale)
}

func TestMemoryStore_ConcurrentAcquireSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var winners int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.Acquire(ctx, "job:c", fmt.Sprintf("runner-%d", i), time.Hour)
			if err == nil && ok {
				atomic.AddInt32(&winners, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners)
}

func TestJobLeaseName(t *testing.T) {
	assert.Equal(t, "job:abc", JobLeaseName("abc"))
}
