package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"coursegen/internal/api"
	"coursegen/internal/config"
	"coursegen/internal/logging"
	"coursegen/internal/queue"
	"coursegen/internal/ratelimit"
	"coursegen/internal/store"
	"coursegen/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := logging.New(cfg.Env)
	telemetry.Register()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("open store")
	}
	defer st.Close()
	if cfg.StoreDriver == "memory" {
		logger.Warn().Msg("memory store: jobs are not shared with workers in other processes")
	}

	rdb := queue.NewRedisClient(cfg)
	defer rdb.Close()
	q := queue.New(rdb, queue.OptionsFromConfig(cfg))
	limiter := ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill)

	server := api.New(cfg, st, q, limiter, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info().Str("addr", httpServer.Addr).Str("store", cfg.StoreDriver).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown")
	}
	logger.Info().Msg("api stopped")
}
