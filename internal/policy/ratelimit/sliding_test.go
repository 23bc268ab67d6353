package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
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

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "test:"), mr
}

func storesUnderTest(t *testing.T) map[string]WindowStore {
	t.Helper()
	redisStore, _ := newRedisStore(t)
	return map[string]WindowStore{
		"memory": NewMemoryStore(),
		"redis":  redisStore,
	}
}

func TestSlidingWindowAdmitsUpToLimit(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
			sw := NewSlidingWindow(store, nil)
			sw.now = clock.Now

			admitted := 0
			for range 10 {
				ok, err := sw.Allow(context.Background(), "caller", 3, time.Minute)
				require.NoError(t, err)
				if ok {
					admitted++
				}
				clock.Advance(time.Second)
			}
			require.Equal(t, 3, admitted)
		})
	}
}

func TestSlidingWindowNoBoundaryBurst(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
			sw := NewSlidingWindow(store, nil)
			sw.now = clock.Now
			ctx := context.Background()

			// Fill the window late in the first minute.
			clock.Advance(50 * time.Second)
			for range 5 {
				ok, err := sw.Allow(ctx, "caller", 5, time.Minute)
				require.NoError(t, err)
				require.True(t, ok)
			}
			// Just past a fixed-window boundary the same hits are still inside the trailing window.
			clock.Advance(15 * time.Second)
			ok, err := sw.Allow(ctx, "caller", 5, time.Minute)
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestSlidingWindowEvenSpreadAcrossWindows(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
			sw := NewSlidingWindow(store, nil)
			sw.now = clock.Now

			admitted := 0
			// 4 requests per 60s window, spaced 15s apart across two windows.
			for range 8 {
				ok, err := sw.Allow(context.Background(), "caller", 4, time.Minute)
				require.NoError(t, err)
				if ok {
					admitted++
				}
				clock.Advance(15*time.Second + time.Millisecond)
			}
			require.Equal(t, 8, admitted)
		})
	}
}

func TestSlidingWindowCountsRejectedAttempts(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	sw := NewSlidingWindow(NewMemoryStore(), nil)
	sw.now = clock.Now
	ctx := context.Background()

	ok, err := sw.Allow(ctx, "caller", 1, 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// Retry every 6s; each rejected retry keeps the window occupied.
	for range 3 {
		clock.Advance(6 * time.Second)
		ok, err = sw.Allow(ctx, "caller", 1, 10*time.Second)
		require.NoError(t, err)
		require.False(t, ok)
	}
	clock.Advance(11 * time.Second)
	ok, err = sw.Allow(ctx, "caller", 1, 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSlidingWindowConcurrentCallersSameKey(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			sw := NewSlidingWindow(store, nil)
			var (
				wg       sync.WaitGroup
				admitted atomic.Int64
			)
			for range 50 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := sw.Allow(context.Background(), "shared", 10, time.Minute)
					if err == nil && ok {
						admitted.Add(1)
					}
				}()
			}
			wg.Wait()
			require.Equal(t, int64(10), admitted.Load())
		})
	}
}

func TestSlidingWindowKeysIndependent(t *testing.T) {
	sw := NewSlidingWindow(NewMemoryStore(), nil)
	ctx := context.Background()
	ok, err := sw.Allow(ctx, "a", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = sw.Allow(ctx, "b", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSlidingWindowRejectsInvalidLimit(t *testing.T) {
	sw := NewSlidingWindow(NewMemoryStore(), nil)
	_, err := sw.Allow(context.Background(), "a", 0, time.Minute)
	require.Error(t, err)
}

func TestMemoryStorePrune(t *testing.T) {
	store := NewMemoryStore()
	now := time.Unix(1700000000, 0).UTC()
	_, err := store.Hit(context.Background(), "a", now, time.Second)
	require.NoError(t, err)
	_, err = store.Hit(context.Background(), "b", now.Add(time.Minute), time.Hour)
	require.NoError(t, err)

	require.Equal(t, 1, store.Prune(now.Add(2*time.Minute)))
	count, err := store.Hit(context.Background(), "a", now.Add(2*time.Minute), time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestRedisStoreSetsExpiry(t *testing.T) {
	store, mr := newRedisStore(t)
	_, err := store.Hit(context.Background(), "caller", time.Now(), 30*time.Second)
	require.NoError(t, err)
	require.True(t, mr.Exists("test:caller"))
	require.Equal(t, time.Minute, mr.TTL("test:caller"))
}

type failingStore struct{}

func (failingStore) Hit(context.Context, string, time.Time, time.Duration) (int, error) {
	return 0, errors.New("redis down")
}

func TestAdmissionFailOpen(t *testing.T) {
	strict := NewAdmission(NewSlidingWindow(failingStore{}, nil), AdmissionConfig{Limit: 1, Window: time.Minute})
	_, err := strict.Allow(context.Background(), "caller")
	require.Error(t, err)

	lenient := NewAdmission(NewSlidingWindow(failingStore{}, nil),
		AdmissionConfig{Limit: 1, Window: time.Minute, FailOpen: true})
	ok, err := lenient.Allow(context.Background(), "caller")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, time.Minute, lenient.Window())
}
