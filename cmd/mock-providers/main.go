// Command mock-providers runs lightweight HTTP servers that simulate each
// provider wire family. It is used for local and load testing of the
// gateway without real credentials.
//
// Each family listens on its own port:
//
//	OpenAI / OpenAI-compatible  :19001  (base URL http://localhost:19001/v1)
//	Anthropic                   :19002  (base URL http://localhost:19002/v1)
//	Google                      :19003  (base URL http://localhost:19003/v1beta)
//
// Point the gateway at them with OPENAI_BASE_URL, ANTHROPIC_BASE_URL,
// GOOGLE_AI_STUDIO_BASE_URL and friends.
//
// Environment:
//
//	PORT_OPENAI, PORT_ANTHROPIC, PORT_GOOGLE  listen ports
//	MOCK_LATENCY        added to every response, e.g. 150ms (default 0)
//	MOCK_ERROR_RATE     fraction [0,1] of requests answered with 500
//	MOCK_STREAM_WORDS   words per generated reply (default 10)
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/gateway-core/internal/app"
	"github.com/nulpointcorp/gateway-core/internal/mockupstream"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("PORT_OPENAI", 19001)
	v.SetDefault("PORT_ANTHROPIC", 19002)
	v.SetDefault("PORT_GOOGLE", 19003)
	v.SetDefault("MOCK_LATENCY", "0s")
	v.SetDefault("MOCK_ERROR_RATE", 0.0)
	v.SetDefault("MOCK_STREAM_WORDS", 10)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")

	log := app.NewLogger(v.GetString("LOG_LEVEL"), v.GetString("LOG_FORMAT"))

	cfg := mockupstream.Config{
		Latency:   v.GetDuration("MOCK_LATENCY"),
		ErrorRate: v.GetFloat64("MOCK_ERROR_RATE"),
		Words:     v.GetInt("MOCK_STREAM_WORDS"),
	}
	if cfg.ErrorRate < 0 || cfg.ErrorRate > 1 {
		log.Error("MOCK_ERROR_RATE must be within [0,1]")
		os.Exit(1)
	}

	servers := []struct {
		name string
		port int
		h    http.Handler
	}{
		{"openai", v.GetInt("PORT_OPENAI"), mockupstream.OpenAI(cfg)},
		{"anthropic", v.GetInt("PORT_ANTHROPIC"), mockupstream.Anthropic(cfg)},
		{"google", v.GetInt("PORT_GOOGLE"), mockupstream.Google(cfg)},
	}

	log.Info("starting mock providers",
		slog.Duration("latency", cfg.Latency),
		slog.Float64("error_rate", cfg.ErrorRate),
		slog.Int("stream_words", cfg.Words),
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range servers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", s.port),
			Handler:           s.h,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		}
		name := s.name
		g.Go(func() error {
			log.Info("mock provider listening", slog.String("provider", name), slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		log.Error("mock providers stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log.Info("mock providers stopped")
}
