// Package ratelimit implements a per-project requests-per-minute limit on a
// Redis sliding window, so every gateway instance shares one budget.
package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript admits a request if fewer than ARGV[3] requests were
// admitted within the window ending now.
// KEYS[1] = window key
// ARGV[1] = now (unix ns)
// ARGV[2] = window size (ns)
// ARGV[3] = limit
// ARGV[4] = unique member for this request
// Returns 1 if allowed, 0 if limited.
var slidingWindowScript = redis.NewScript(`
	local key    = KEYS[1]
	local now    = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local limit  = tonumber(ARGV[3])

	redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

	if redis.call('ZCARD', key) >= limit then
		return 0
	end

	redis.call('ZADD', key, now, ARGV[4])
	redis.call('PEXPIRE', key, math.ceil(window / 1000000))
	return 1
`)

// RPMLimiter enforces a requests-per-minute ceiling per project.
type RPMLimiter struct {
	rdb   redis.UniversalClient
	limit int
	seq   atomic.Int64
}

// NewRPMLimiter returns a limiter admitting limit requests per minute per
// project. A limit of zero or less disables limiting.
func NewRPMLimiter(rdb redis.UniversalClient, limit int) *RPMLimiter {
	return &RPMLimiter{rdb: rdb, limit: limit}
}

// Enabled reports whether the limiter enforces anything.
func (r *RPMLimiter) Enabled() bool { return r != nil && r.limit > 0 }

// Allow reports whether one more request for the project fits the window.
// Redis errors admit the request and are returned for logging.
func (r *RPMLimiter) Allow(ctx context.Context, organizationID, projectID string) (bool, error) {
	if !r.Enabled() {
		return true, nil
	}
	now := time.Now().UnixNano()
	key := fmt.Sprintf("gw:ratelimit:rpm:%s:%s", organizationID, projectID)
	member := fmt.Sprintf("%d-%d", now, r.seq.Add(1))

	res, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{key},
		now, time.Minute.Nanoseconds(), r.limit, member,
	).Int()
	if err != nil {
		return true, fmt.Errorf("ratelimit: %w", err)
	}
	return res == 1, nil
}
