package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/gateway-core/internal/config"
	"github.com/nulpointcorp/gateway-core/internal/usagelog"
)

// RunConsumer drains the usage queue into ClickHouse until ctx is done.
func RunConsumer(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	if cfg.ClickHouse.DSN == "" {
		return fmt.Errorf("consumer: CLICKHOUSE_DSN is required")
	}
	if log == nil {
		log = slog.Default()
	}

	log.Info("connecting to redis", slog.String("url", redactURL(cfg.Redis.URL)))
	rdb, err := connectRedis(ctx, cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("consumer: redis: %w", err)
	}
	defer func() { _ = rdb.Close() }()

	sink, err := usagelog.OpenClickHouse(ctx, cfg.ClickHouse.DSN, cfg.ClickHouse.Table)
	if err != nil {
		return err
	}
	defer func() { _ = sink.Close() }()

	if err := sink.EnsureTable(ctx); err != nil {
		return err
	}

	q := usagelog.NewQueue(rdb, cfg.Environment, usagelog.WithLeaseTTL(cfg.Queue.LeaseTTL))
	c := usagelog.NewConsumer(q, sink, usagelog.ConsumerConfig{
		BatchSize:       cfg.Queue.BatchSize,
		Workers:         cfg.Queue.Workers,
		ReclaimInterval: cfg.Queue.ReclaimInterval,
	}, log)

	log.Info("usage consumer started",
		slog.String("queue", usagelog.QueueKey(cfg.Environment)),
		slog.String("table", cfg.ClickHouse.Table),
		slog.Int("workers", cfg.Queue.Workers),
		slog.Int("batch_size", cfg.Queue.BatchSize),
	)
	return c.Run(ctx)
}
