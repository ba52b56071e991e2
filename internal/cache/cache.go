// Package cache stores completed non-streaming responses so identical
// requests can be answered without calling the provider again.
//
// Two backends implement Cache:
//   - ExactCache: Redis-backed, shared by every gateway replica.
//   - MemoryCache: in-process, bounded, for single-instance runs and tests.
package cache

import (
	"context"
	"time"
)

// Cache is a response store. Get reports backend failures as misses; Set
// returns them so callers can count failed writes.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

const (
	// MinTTL and MaxTTL bound a project's configured cache duration.
	MinTTL = 10 * time.Second
	MaxTTL = 31_536_000 * time.Second
)

// ClampTTL converts a configured duration in seconds to a TTL within
// [MinTTL, MaxTTL].
func ClampTTL(seconds int) time.Duration {
	ttl := time.Duration(seconds) * time.Second
	switch {
	case ttl < MinTTL:
		return MinTTL
	case ttl > MaxTTL:
		return MaxTTL
	default:
		return ttl
	}
}
