// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     connects Redis (queue, cache, credentials, rate limit)
//  2. initCatalog   loads the embedded model catalog
//  3. initProviders builds the adapter registry and operator keys
//  4. initServices  credential store, response cache, metrics, usage queue
//  5. initGateway   resolver, executor and the HTTP endpoint
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/gateway-core/internal/cache"
	"github.com/nulpointcorp/gateway-core/internal/catalog"
	"github.com/nulpointcorp/gateway-core/internal/config"
	"github.com/nulpointcorp/gateway-core/internal/credentials"
	"github.com/nulpointcorp/gateway-core/internal/metrics"
	"github.com/nulpointcorp/gateway-core/internal/providers"
	anthropicprov "github.com/nulpointcorp/gateway-core/internal/providers/anthropic"
	geminiprov "github.com/nulpointcorp/gateway-core/internal/providers/gemini"
	openaiprov "github.com/nulpointcorp/gateway-core/internal/providers/openai"
	openaicompatprov "github.com/nulpointcorp/gateway-core/internal/providers/openaicompat"
	"github.com/nulpointcorp/gateway-core/internal/proxy"
	"github.com/nulpointcorp/gateway-core/internal/usagelog"
)

// shutdownTimeout bounds how long open requests and streams may take to
// drain once the process is asked to stop.
const shutdownTimeout = 30 * time.Second

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	rdb *redis.Client

	catalog  *catalog.Catalog
	registry *providers.Registry
	operator map[string]credentials.Credential

	store     credentials.Store
	credCache *credentials.CachedStore
	respCache cache.Cache
	memCache  *cache.MemoryCache
	queue     *usagelog.Queue
	publisher *usagelog.AsyncPublisher
	prom      *metrics.Registry

	mgmt *proxy.ManagementRoutes
	gw   *proxy.Gateway

	closeOnce sync.Once
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"catalog", a.initCatalog},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. Open streams get shutdownTimeout to finish before Close.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("environment", a.cfg.Environment),
		slog.String("catalog", a.catalog.Version()),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.Any("providers", a.registry.IDs()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := a.gw.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("http shutdown", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		// The publisher flushes through Redis, so it goes before the client.
		if a.publisher != nil {
			if err := a.publisher.Close(); err != nil {
				a.log.Error("usage publisher close error", slog.String("error", err.Error()))
			}
		}
		if a.credCache != nil {
			a.credCache.Close()
		}
		if a.memCache != nil {
			a.memCache.Close()
		}
		if a.rdb != nil {
			if err := a.rdb.Close(); err != nil {
				a.log.Error("redis close error", slog.String("error", err.Error()))
			}
		}
	})
}

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// providerEntry binds a provider id to its adapter and public endpoint.
type providerEntry struct {
	id      string
	adapter providers.Adapter
	baseURL string
}

// providerTable lists every provider the catalog can route to. custom has no
// default endpoint: its credential always carries one.
func providerTable() []providerEntry {
	return []providerEntry{
		{"openai", openaiprov.New(), openaiprov.DefaultBaseURL},
		{"xai", openaiprov.New(openaiprov.WithFamily("xai")), "https://api.x.ai/v1"},
		{"groq", openaiprov.New(openaiprov.WithFamily("groq")), "https://api.groq.com/openai/v1"},
		{"deepseek", openaiprov.New(openaiprov.WithFamily("deepseek")), "https://api.deepseek.com/v1"},
		{"together.ai", openaicompatprov.New("together.ai"), "https://api.together.xyz/v1"},
		{"inference.net", openaicompatprov.New("inference.net"), "https://api.inference.net/v1"},
		{"kluster.ai", openaicompatprov.New("kluster.ai"), "https://api.kluster.ai/v1"},
		{"cloudrift", openaicompatprov.New("cloudrift"), "https://inference.cloudrift.ai/v1"},
		{providers.CustomProviderID, openaicompatprov.New(providers.CustomProviderID), ""},
		{"anthropic", anthropicprov.New(), anthropicprov.DefaultBaseURL},
		{"google-ai-studio", geminiprov.New(), geminiprov.AIStudioBaseURL},
		{"google-vertex", geminiprov.New(geminiprov.WithDefaultBaseURL(geminiprov.VertexBaseURL)), geminiprov.VertexBaseURL},
	}
}

// buildRegistry registers every provider, applying operator base URL
// overrides from configuration.
func buildRegistry(cfg *config.Config) (*providers.Registry, error) {
	reg := providers.NewRegistry()
	for _, e := range providerTable() {
		base := e.baseURL
		if pc, ok := cfg.Providers[e.id]; ok && pc.BaseURL != "" {
			base = pc.BaseURL
		}
		if err := reg.Register(e.id, e.adapter, base); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// operatorKeys turns configured provider keys into the credentials used in
// credits and hybrid modes.
func operatorKeys(cfg *config.Config) map[string]credentials.Credential {
	keys := make(map[string]credentials.Credential, len(cfg.Providers))
	for id, pc := range cfg.Providers {
		if pc.APIKey == "" {
			continue
		}
		keys[id] = credentials.Credential{
			OrganizationID: "operator",
			ProviderID:     id,
			Secret:         pc.APIKey,
			BaseURL:        pc.BaseURL,
			Status:         credentials.StatusActive,
		}
	}
	return keys
}
