// Command usage-consumer moves usage records from the gateway's Redis queue
// into ClickHouse.
//
// It shares the gateway's configuration and additionally requires
// CLICKHOUSE_DSN. Several consumers may run against the same queue; a record
// whose lease expires is handed to another worker.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nulpointcorp/gateway-core/internal/app"
	"github.com/nulpointcorp/gateway-core/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := app.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := app.RunConsumer(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("usage consumer stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
