package credentials

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func sampleAccount() *Account {
	return &Account{
		Project: Project{OrganizationID: "org-1", ProjectID: "proj-1"},
		Policy:  Policy{Mode: ModeHybrid, CachingEnabled: true, CacheDurationSeconds: 120},
		Credentials: []Credential{
			{OrganizationID: "org-1", ProviderID: "openai", Secret: "sk-old", Status: StatusDeleted},
			{OrganizationID: "org-1", ProviderID: "openai", Secret: "sk-live", Status: StatusActive},
			{OrganizationID: "org-1", ProviderID: "anthropic", Secret: "ak", Status: StatusInactive},
		},
		Credits: 12.5,
	}
}

func TestActiveCredential(t *testing.T) {
	acc := sampleAccount()

	c, ok := acc.ActiveCredential("openai")
	if !ok || c.Secret != "sk-live" {
		t.Fatalf("ActiveCredential(openai) = %+v, %v", c, ok)
	}
	if _, ok := acc.ActiveCredential("anthropic"); ok {
		t.Fatal("inactive credential must not be returned")
	}
	if _, ok := acc.ActiveCredential("google-ai-studio"); ok {
		t.Fatal("missing provider must not be returned")
	}
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb), mr
}

func TestRedisStoreRoundTrip(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "gw-secret", sampleAccount()); err != nil {
		t.Fatalf("Put: %v", err)
	}
	for _, k := range mr.Keys() {
		if k == "gw:apikey:gw-secret" {
			t.Fatal("api key must be stored hashed")
		}
	}

	p, err := s.Authenticate(ctx, "gw-secret")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.OrganizationID != "org-1" || p.ProjectID != "proj-1" {
		t.Fatalf("unexpected project %+v", p)
	}

	acc, err := s.Lookup(ctx, p.OrganizationID, p.ProjectID)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if acc.Policy.Mode != ModeHybrid || !acc.Policy.CachingEnabled || acc.Policy.CacheDurationSeconds != 120 {
		t.Fatalf("unexpected policy %+v", acc.Policy)
	}
	if len(acc.Credentials) != 3 || acc.Credits != 12.5 {
		t.Fatalf("unexpected account %+v", acc)
	}
}

func TestRedisStoreMissing(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()

	if _, err := s.Authenticate(ctx, "nope"); !errors.Is(err, ErrUnknownAPIKey) {
		t.Fatalf("Authenticate err = %v, want ErrUnknownAPIKey", err)
	}
	if _, err := s.Lookup(ctx, "org", "proj"); !errors.Is(err, ErrProjectNotFound) {
		t.Fatalf("Lookup err = %v, want ErrProjectNotFound", err)
	}
}

func TestRedisStoreBadCredits(t *testing.T) {
	s, mr := newRedisStore(t)
	_ = mr.Set(policyKey("o", "p"), `{"mode":"credits"}`)
	_ = mr.Set(creditsKey("o"), "lots")

	if _, err := s.Lookup(context.Background(), "o", "p"); err == nil {
		t.Fatal("expected parse error for non-numeric credits")
	}
}

const fileDocYAML = `
projects:
  - apiKey: gw-local
    organizationId: org-1
    projectId: proj-1
    policy: {mode: credits, cachingEnabled: true, cacheDurationSeconds: 30}
  - apiKey: gw-default-mode
    organizationId: org-2
    projectId: proj-2
organizations:
  - id: org-1
    credits: 3.25
    credentials:
      - {providerId: openai, secret: sk-1}
      - {providerId: anthropic, secret: ak-1, status: inactive}
`

func TestFileStore(t *testing.T) {
	s, err := ParseFile([]byte(fileDocYAML))
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	ctx := context.Background()

	p, err := s.Authenticate(ctx, "gw-local")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	acc, err := s.Lookup(ctx, p.OrganizationID, p.ProjectID)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if acc.Policy.Mode != ModeCredits || acc.Credits != 3.25 {
		t.Fatalf("unexpected account %+v", acc)
	}
	c, ok := acc.ActiveCredential("openai")
	if !ok || c.OrganizationID != "org-1" {
		t.Fatalf("status should default to active and org should be filled: %+v", c)
	}
	if _, ok := acc.ActiveCredential("anthropic"); ok {
		t.Fatal("inactive credential returned")
	}

	p2, _ := s.Authenticate(ctx, "gw-default-mode")
	acc2, _ := s.Lookup(ctx, p2.OrganizationID, p2.ProjectID)
	if acc2.Policy.Mode != ModeAPIKeys || len(acc2.Credentials) != 0 {
		t.Fatalf("defaults not applied: %+v", acc2)
	}

	if _, err := s.Authenticate(ctx, "nope"); !errors.Is(err, ErrUnknownAPIKey) {
		t.Fatalf("err = %v", err)
	}
}

func TestFileStoreRejectsInvalidMode(t *testing.T) {
	doc := `
projects:
  - {apiKey: k, organizationId: o, projectId: p, policy: {mode: free}}
`
	if _, err := ParseFile([]byte(doc)); err == nil {
		t.Fatal("expected invalid mode error")
	}
}

type countingStore struct {
	Store
	auths, lookups atomic.Int32
}

func (c *countingStore) Authenticate(ctx context.Context, k string) (Project, error) {
	c.auths.Add(1)
	return c.Store.Authenticate(ctx, k)
}

func (c *countingStore) Lookup(ctx context.Context, o, p string) (*Account, error) {
	c.lookups.Add(1)
	return c.Store.Lookup(ctx, o, p)
}

func TestCachedStore(t *testing.T) {
	fs, err := ParseFile([]byte(fileDocYAML))
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	inner := &countingStore{Store: fs}
	s := NewCachedStore(context.Background(), inner, time.Minute)
	t.Cleanup(s.Close)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p, err := s.Authenticate(ctx, "gw-local")
		if err != nil {
			t.Fatalf("Authenticate: %v", err)
		}
		acc, err := s.Lookup(ctx, p.OrganizationID, p.ProjectID)
		if err != nil {
			t.Fatalf("Lookup: %v", err)
		}
		if _, ok := acc.ActiveCredential("openai"); !ok {
			t.Fatal("cached account lost its credentials")
		}
	}
	if inner.auths.Load() != 1 || inner.lookups.Load() != 1 {
		t.Fatalf("expected one backing call each, got auth=%d lookup=%d", inner.auths.Load(), inner.lookups.Load())
	}

	for i := 0; i < 2; i++ {
		if _, err := s.Authenticate(ctx, "unknown"); !errors.Is(err, ErrUnknownAPIKey) {
			t.Fatalf("err = %v", err)
		}
	}
	if inner.auths.Load() != 3 {
		t.Fatalf("misses must not be cached, auths = %d", inner.auths.Load())
	}
}
