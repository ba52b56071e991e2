package ratelimit_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/nulpointcorp/gateway-core/internal/ratelimit"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, func() {
		client.Close()
		mr.Close()
	}
}

func TestRPMLimiter_BlocksOverLimit(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	const limit = 3
	limiter := ratelimit.NewRPMLimiter(rdb, limit)
	ctx := context.Background()

	for i := 0; i < limit; i++ {
		allowed, err := limiter.Allow(ctx, "org", "proj")
		if err != nil {
			t.Fatalf("unexpected error at iteration %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("expected allowed=true at iteration %d", i)
		}
	}

	allowed, err := limiter.Allow(ctx, "org", "proj")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Error("expected allowed=false after limit exceeded")
	}
}

func TestRPMLimiter_ProjectsAreIndependent(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	limiter := ratelimit.NewRPMLimiter(rdb, 1)
	ctx := context.Background()

	if ok, _ := limiter.Allow(ctx, "org", "a"); !ok {
		t.Fatal("first request for project a must pass")
	}
	if ok, _ := limiter.Allow(ctx, "org", "b"); !ok {
		t.Fatal("project b must have its own budget")
	}
	if ok, _ := limiter.Allow(ctx, "org", "a"); ok {
		t.Fatal("second request for project a must be limited")
	}
}

func TestRPMLimiter_DisabledWhenLimitZero(t *testing.T) {
	limiter := ratelimit.NewRPMLimiter(nil, 0)
	if limiter.Enabled() {
		t.Fatal("limit 0 must disable the limiter")
	}
	for i := 0; i < 5; i++ {
		if ok, err := limiter.Allow(context.Background(), "org", "p"); !ok || err != nil {
			t.Fatalf("disabled limiter blocked: %v %v", ok, err)
		}
	}
}

func TestRPMLimiter_DegradesGracefullyWhenRedisDown(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	cleanup()

	limiter := ratelimit.NewRPMLimiter(rdb, 5)
	allowed, err := limiter.Allow(context.Background(), "org", "p")
	if !allowed {
		t.Error("expected allowed=true when Redis is unavailable")
	}
	if err == nil {
		t.Error("expected the Redis error to be reported")
	}
}
