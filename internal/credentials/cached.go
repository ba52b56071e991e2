package credentials

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nulpointcorp/gateway-core/internal/cache"
)

// CachedStore keeps recent lookups in process for ttl so the hot path does
// not hit the backing store on every request. Misses and errors are not
// cached.
type CachedStore struct {
	next  Store
	mem   *cache.MemoryCache
	ttl   time.Duration
	close func()
}

// NewCachedStore wraps next. A non-positive ttl disables caching.
func NewCachedStore(ctx context.Context, next Store, ttl time.Duration) *CachedStore {
	s := &CachedStore{next: next, ttl: ttl, close: func() {}}
	if ttl > 0 {
		s.mem = cache.NewMemoryCache(ctx, cache.WithMaxEntries(50_000))
		s.close = s.mem.Close
	}
	return s
}

func (s *CachedStore) Authenticate(ctx context.Context, apiKey string) (Project, error) {
	key := "auth:" + apiKeyKey(apiKey)
	var p Project
	if s.load(ctx, key, &p) {
		return p, nil
	}

	p, err := s.next.Authenticate(ctx, apiKey)
	if err != nil {
		return Project{}, err
	}
	s.store(ctx, key, p)
	return p, nil
}

func (s *CachedStore) Lookup(ctx context.Context, org, project string) (*Account, error) {
	key := "acct:" + org + ":" + project
	var acc Account
	if s.load(ctx, key, &acc) {
		return &acc, nil
	}

	got, err := s.next.Lookup(ctx, org, project)
	if err != nil {
		return nil, err
	}
	s.store(ctx, key, got)
	return got, nil
}

// Close stops the cache sweeper.
func (s *CachedStore) Close() { s.close() }

func (s *CachedStore) load(ctx context.Context, key string, v any) bool {
	if s.mem == nil {
		return false
	}
	raw, ok := s.mem.Get(ctx, key)
	if !ok {
		return false
	}
	return json.Unmarshal(raw, v) == nil
}

func (s *CachedStore) store(ctx context.Context, key string, v any) {
	if s.mem == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = s.mem.Set(ctx, key, raw, s.ttl)
}
