package cache

import (
	"context"
	"sync"
	"time"
)

type memItem struct {
	data      []byte
	expiresAt time.Time
}

// MemoryCache is an in-process Cache with per-entry TTL and an upper bound
// on entries. It is not shared across replicas.
type MemoryCache struct {
	mu         sync.RWMutex
	items      map[string]memItem
	maxEntries int
	now        func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// MemoryOption configures a MemoryCache.
type MemoryOption func(*memoryConfig)

type memoryConfig struct {
	maxEntries int
	sweep      time.Duration
	now        func() time.Time
}

// WithMaxEntries caps the number of live entries. When full, Set evicts the
// entry closest to expiry.
func WithMaxEntries(n int) MemoryOption {
	return func(c *memoryConfig) { c.maxEntries = n }
}

// WithSweepInterval sets how often expired entries are purged.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(c *memoryConfig) { c.sweep = d }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(c *memoryConfig) { c.now = now }
}

// NewMemoryCache starts a MemoryCache whose sweeper stops when ctx is done
// or Close is called.
func NewMemoryCache(ctx context.Context, opts ...MemoryOption) *MemoryCache {
	cfg := memoryConfig{maxEntries: 10_000, sweep: time.Minute, now: time.Now}
	for _, o := range opts {
		o(&cfg)
	}

	c := &MemoryCache{
		items:      make(map[string]memItem),
		maxEntries: cfg.maxEntries,
		now:        cfg.now,
		done:       make(chan struct{}),
	}
	go c.sweepLoop(ctx, cfg.sweep)
	return c
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}

	if !c.now().Before(item.expiresAt) {
		c.mu.Lock()
		if cur, ok := c.items[key]; ok && cur.expiresAt.Equal(item.expiresAt) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return item.data, true
}

// Set stores value for ttl. A non-positive ttl falls back to MinTTL.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = MinTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists && c.maxEntries > 0 && len(c.items) >= c.maxEntries {
		c.evictOneLocked()
	}
	c.items[key] = memItem{data: value, expiresAt: c.now().Add(ttl)}
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

// Len returns the number of entries, including expired ones not yet swept.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *MemoryCache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// evictOneLocked drops the entry that expires soonest. Caller holds mu.
func (c *MemoryCache) evictOneLocked() {
	var (
		victim string
		soon   time.Time
		found  bool
	)
	for k, v := range c.items {
		if !found || v.expiresAt.Before(soon) {
			victim, soon, found = k, v.expiresAt, true
		}
	}
	if found {
		delete(c.items, victim)
	}
}

func (c *MemoryCache) sweepLoop(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *MemoryCache) sweep() {
	now := c.now()
	c.mu.Lock()
	for k, v := range c.items {
		if !now.Before(v.expiresAt) {
			delete(c.items, k)
		}
	}
	c.mu.Unlock()
}
