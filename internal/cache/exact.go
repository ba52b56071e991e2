package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultQueryTimeout = 500 * time.Millisecond

// ExactCache is the Redis-backed Cache. A cache outage never fails a
// request: Get degrades to a miss and Set to a no-op, both logged at WARN.
type ExactCache struct {
	client       redis.UniversalClient
	queryTimeout time.Duration
	log          *slog.Logger
}

// ExactOption configures an ExactCache.
type ExactOption func(*ExactCache)

// WithQueryTimeout bounds each Redis round trip.
func WithQueryTimeout(d time.Duration) ExactOption {
	return func(c *ExactCache) {
		if d > 0 {
			c.queryTimeout = d
		}
	}
}

// WithLogger sets the logger used for degraded operations.
func WithLogger(l *slog.Logger) ExactOption {
	return func(c *ExactCache) {
		if l != nil {
			c.log = l
		}
	}
}

// NewExactCache wraps a shared Redis client. The caller owns the client.
func NewExactCache(client redis.UniversalClient, opts ...ExactOption) *ExactCache {
	c := &ExactCache{client: client, queryTimeout: defaultQueryTimeout, log: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *ExactCache) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.WarnContext(ctx, "cache_get_error",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}
	return val, true
}

func (c *ExactCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: SET %s: %w", key, err)
	}
	return nil
}

func (c *ExactCache) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache: DEL %s: %w", key, err)
	}
	return nil
}

// Ping reports whether the backing store is reachable.
func (c *ExactCache) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()
	return c.client.Ping(ctx).Err()
}
