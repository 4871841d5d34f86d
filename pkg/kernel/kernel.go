// Package kernel resolves a transaction kernel's excess commitment to its
// on-chain fee record. The blockchain node is an external collaborator;
// this package only wraps a caller-supplied Lookup with coalescing and an
// optional shared cache so the validator's synchronous, hot-path calls
// stay cheap under concurrent gossip fan-in.
package kernel

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Record is the fee-bearing fact the validator needs about a kernel.
// Its presence implies the kernel is within the valid window; absence
// (Lookup returning nil, nil) means the proof is unusable.
type Record struct {
	Fee uint64
}

// Lookup resolves a kernel excess to its Record. Must be pure, reasonably
// fast, and safe for concurrent use; it is called synchronously from the
// node's event loop. A non-nil error is treated as transient by the
// validator (verdict Ignore); (nil, nil) means "not in the valid window"
// (verdict Reject).
type Lookup interface {
	Lookup(ctx context.Context, kernelExcess [33]byte) (*Record, error)
}

// LookupFunc adapts a plain function to Lookup.
type LookupFunc func(ctx context.Context, kernelExcess [33]byte) (*Record, error)

func (f LookupFunc) Lookup(ctx context.Context, kernelExcess [33]byte) (*Record, error) {
	return f(ctx, kernelExcess)
}

type cacheEntry struct {
	record    *Record
	expiresAt time.Time
}

// CoalescingCache wraps a Lookup with an in-memory TTL cache and
// singleflight request coalescing, so N concurrent validations of the
// same kernel excess result in exactly one call to the underlying Lookup.
type CoalescingCache struct {
	underlying Lookup
	ttl        time.Duration

	group singleflight.Group

	mu      sync.Mutex
	entries map[[33]byte]cacheEntry
}

// DefaultTTL is how long a resolved kernel record is trusted before the
// underlying Lookup is consulted again.
const DefaultTTL = 30 * time.Second

// NewCoalescingCache wraps underlying with a TTL cache. ttl <= 0 uses
// DefaultTTL.
func NewCoalescingCache(underlying Lookup, ttl time.Duration) *CoalescingCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &CoalescingCache{
		underlying: underlying,
		ttl:        ttl,
		entries:    make(map[[33]byte]cacheEntry),
	}
}

// Lookup implements Lookup, serving from cache when fresh and coalescing
// concurrent misses for the same kernel excess into a single underlying
// call.
func (c *CoalescingCache) Lookup(ctx context.Context, kernelExcess [33]byte) (*Record, error) {
	if rec, ok := c.get(kernelExcess); ok {
		return rec, nil
	}

	key := hex.EncodeToString(kernelExcess[:])
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		rec, err := c.underlying.Lookup(ctx, kernelExcess)
		if err != nil {
			return nil, err
		}
		c.set(kernelExcess, rec)
		return rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("kernel lookup: %w", err)
	}
	if v == nil {
		return nil, nil
	}
	return v.(*Record), nil
}

func (c *CoalescingCache) get(kernelExcess [33]byte) (*Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[kernelExcess]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.record, true
}

func (c *CoalescingCache) set(kernelExcess [33]byte, rec *Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[kernelExcess] = cacheEntry{record: rec, expiresAt: time.Now().Add(c.ttl)}
}
