package kernel

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache fronts a Lookup with a shared cache for deployments running
// several node processes against the same blockchain node. It never
// stores PeerDirectory state — only KernelRecord fee lookups, keeping the
// "no persisted peer state" boundary intact.
type RedisCache struct {
	client     *redis.Client
	underlying Lookup
	ttl        time.Duration
	keyPrefix  string
}

// NewRedisCache wraps underlying with a Redis-backed cache reachable via
// client. ttl <= 0 uses DefaultTTL.
func NewRedisCache(client *redis.Client, underlying Lookup, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{
		client:     client,
		underlying: underlying,
		ttl:        ttl,
		keyPrefix:  "torgossip:kernel:",
	}
}

// Lookup implements Lookup. A "kernel not found" result is cached as a
// zero-length value so repeated lookups of a missing kernel do not hammer
// the blockchain node either.
func (c *RedisCache) Lookup(ctx context.Context, kernelExcess [33]byte) (*Record, error) {
	key := c.keyPrefix + hex.EncodeToString(kernelExcess[:])

	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		return decodeRecord(raw)
	case errors.Is(err, redis.Nil):
		// cache miss, fall through to underlying lookup
	default:
		return nil, fmt.Errorf("redis kernel cache get: %w", err)
	}

	rec, err := c.underlying.Lookup(ctx, kernelExcess)
	if err != nil {
		return nil, err
	}

	if setErr := c.client.Set(ctx, key, encodeRecord(rec), c.ttl).Err(); setErr != nil {
		return rec, nil // cache write failure must not fail the lookup
	}
	return rec, nil
}

func encodeRecord(rec *Record) []byte {
	if rec == nil {
		return []byte{}
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, rec.Fee)
	return buf
}

func decodeRecord(raw []byte) (*Record, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if len(raw) != 8 {
		return nil, fmt.Errorf("redis kernel cache: malformed record length %d", len(raw))
	}
	return &Record{Fee: binary.LittleEndian.Uint64(raw)}, nil
}
