package kernel

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCoalescingCacheServesFromCache(t *testing.T) {
	var calls int32
	underlying := LookupFunc(func(ctx context.Context, k [33]byte) (*Record, error) {
		atomic.AddInt32(&calls, 1)
		return &Record{Fee: 10_000_000}, nil
	})

	cache := NewCoalescingCache(underlying, time.Minute)
	var excess [33]byte
	excess[0] = 1

	rec, err := cache.Lookup(context.Background(), excess)
	require.NoError(t, err)
	require.Equal(t, uint64(10_000_000), rec.Fee)

	rec, err = cache.Lookup(context.Background(), excess)
	require.NoError(t, err)
	require.Equal(t, uint64(10_000_000), rec.Fee)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestCoalescingCacheExpires(t *testing.T) {
	var calls int32
	underlying := LookupFunc(func(ctx context.Context, k [33]byte) (*Record, error) {
		atomic.AddInt32(&calls, 1)
		return &Record{Fee: uint64(calls)}, nil
	})

	cache := NewCoalescingCache(underlying, 10*time.Millisecond)
	var excess [33]byte

	_, err := cache.Lookup(context.Background(), excess)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	_, err = cache.Lookup(context.Background(), excess)
	require.NoError(t, err)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestCoalescingCacheCoalescesConcurrentMisses(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	underlying := LookupFunc(func(ctx context.Context, k [33]byte) (*Record, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return &Record{Fee: 5}, nil
	})

	cache := NewCoalescingCache(underlying, time.Minute)
	var excess [33]byte

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cache.Lookup(context.Background(), excess)
		}()
	}

	close(release)
	wg.Wait()

	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestCoalescingCachePropagatesNilRecord(t *testing.T) {
	underlying := LookupFunc(func(ctx context.Context, k [33]byte) (*Record, error) {
		return nil, nil
	})

	cache := NewCoalescingCache(underlying, time.Minute)
	var excess [33]byte

	rec, err := cache.Lookup(context.Background(), excess)
	require.NoError(t, err)
	require.Nil(t, rec)
}
