package app

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nulpointcorp/gateway-core/internal/cache"
	"github.com/nulpointcorp/gateway-core/internal/catalog"
	"github.com/nulpointcorp/gateway-core/internal/cost"
	"github.com/nulpointcorp/gateway-core/internal/credentials"
	"github.com/nulpointcorp/gateway-core/internal/executor"
	"github.com/nulpointcorp/gateway-core/internal/metrics"
	"github.com/nulpointcorp/gateway-core/internal/proxy"
	"github.com/nulpointcorp/gateway-core/internal/ratelimit"
	"github.com/nulpointcorp/gateway-core/internal/resolver"
	"github.com/nulpointcorp/gateway-core/internal/usagelog"
)

// initInfra connects Redis. It is always required: the usage queue lives
// there.
func (a *App) initInfra(ctx context.Context) error {
	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")
	return nil
}

func (a *App) initCatalog(_ context.Context) error {
	cat, err := catalog.Load()
	if err != nil {
		return err
	}
	a.catalog = cat
	a.log.Info("catalog loaded",
		slog.String("version", cat.Version()),
		slog.Int("models", len(cat.Models())),
	)
	return nil
}

// initProviders builds the adapter registry and the operator's own keys.
// Organizations bring their own keys, so an empty operator set is valid.
func (a *App) initProviders(_ context.Context) error {
	reg, err := buildRegistry(a.cfg)
	if err != nil {
		return err
	}
	a.registry = reg
	a.operator = operatorKeys(a.cfg)

	names := make([]string, 0, len(a.operator))
	for id := range a.operator {
		names = append(names, id)
	}
	sort.Strings(names)
	a.log.Info("providers loaded",
		slog.Any("providers", reg.IDs()),
		slog.Any("operator_keys", names),
	)
	return nil
}

// initServices creates the credential store, response cache, metrics
// registry and usage queue.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Credentials.Source {
	case "redis":
		a.store = credentials.NewRedisStore(a.rdb)
	case "file":
		fs, err := credentials.LoadFile(a.cfg.Credentials.File)
		if err != nil {
			return err
		}
		a.store = fs
	default:
		return fmt.Errorf("unknown credentials source: %s", a.cfg.Credentials.Source)
	}
	if a.cfg.Credentials.CacheTTL > 0 {
		a.credCache = credentials.NewCachedStore(ctx, a.store, a.cfg.Credentials.CacheTTL)
		a.store = a.credCache
	}
	a.log.Info("credential store ready",
		slog.String("source", a.cfg.Credentials.Source),
		slog.Duration("cache_ttl", a.cfg.Credentials.CacheTTL),
	)

	switch a.cfg.Cache.Mode {
	case "redis":
		a.respCache = cache.NewExactCache(a.rdb, cache.WithLogger(a.log))
		a.log.Info("cache backend: redis")
	case "memory":
		a.memCache = cache.NewMemoryCache(ctx)
		a.respCache = a.memCache
		a.log.Info("cache backend: memory (in-process)")
	case "none":
		a.log.Info("cache backend: disabled")
	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.queue = usagelog.NewQueue(a.rdb, a.cfg.Environment, usagelog.WithLeaseTTL(a.cfg.Queue.LeaseTTL))
	pub, err := usagelog.NewAsyncPublisher(ctx, a.queue, a.log)
	if err != nil {
		return err
	}
	a.publisher = pub
	a.log.Info("usage queue ready", slog.String("key", usagelog.QueueKey(a.cfg.Environment)))

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version, a.catalog.Version())
	a.prom.RegisterQueue(a.queueGauge(a.queue.Length), a.queueGauge(a.queue.InFlight))
	a.prom.RegisterPublisher(
		func() float64 { return float64(a.publisher.Published()) },
		func() float64 { return float64(a.publisher.Failed()) },
	)

	return nil
}

// queueGauge samples a queue size for a scrape; -1 marks Redis as
// unreachable.
func (a *App) queueGauge(size func(context.Context) (int64, error)) func() float64 {
	return func() float64 {
		ctx, cancel := context.WithTimeout(a.baseCtx, time.Second)
		defer cancel()
		n, err := size(ctx)
		if err != nil {
			return -1
		}
		return float64(n)
	}
}

// ready reports whether Redis answers, through the response cache when the
// cache lives there.
func (a *App) ready(ctx context.Context) error {
	if ec, ok := a.respCache.(*cache.ExactCache); ok {
		return ec.Ping(ctx)
	}
	return a.rdb.Ping(ctx).Err()
}

// initGateway wires the resolver, executor and endpoint together.
func (a *App) initGateway(_ context.Context) error {
	tok := cost.NewBPETokenizer()

	res := resolver.New(a.catalog, resolver.WithOperatorKeys(a.operator))
	exec := executor.New(
		executor.WithTimeout(a.cfg.ProviderTimeout),
		executor.WithTokenizer(tok),
		executor.WithLogger(a.log),
	)

	var limiter *ratelimit.RPMLimiter
	if a.cfg.RateLimit.RPMLimit > 0 {
		limiter = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit)
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	gw, err := proxy.NewGateway(a.baseCtx, proxy.Deps{
		Store:      a.store,
		Resolver:   res,
		Registry:   a.registry,
		Executor:   exec,
		Calculator: cost.NewCalculator(tok),
		Usage:      a.publisher,
	}, proxy.GatewayOptions{
		Logger:      a.log,
		Cache:       a.respCache,
		RateLimiter: limiter,
		Metrics:     a.prom,
		Ready:       a.ready,
		CORSOrigins: a.cfg.CORSOrigins,
		Version:     a.version,
	})
	if err != nil {
		return err
	}
	a.gw = gw

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}
	return nil
}

// redactURL hides credentials embedded in a connection URL.
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
