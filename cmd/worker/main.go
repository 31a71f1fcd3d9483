package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"coursegen/internal/config"
	"coursegen/internal/generator"
	"coursegen/internal/logging"
	"coursegen/internal/models"
	"coursegen/internal/queue"
	"coursegen/internal/storage"
	"coursegen/internal/store"
	"coursegen/internal/telemetry"
	"coursegen/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := logging.New(cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("open store")
	}
	defer st.Close()

	rdb := queue.NewRedisClient(cfg)
	defer rdb.Close()
	q := queue.New(rdb, queue.OptionsFromConfig(cfg))

	gen, err := generator.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init generator")
	}
	uploader, err := storage.New(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("init artifact storage")
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	processor := worker.NewProcessor(cfg, q, st, workerID, logger)
	course := worker.NewCourseHandler(gen, uploader, worker.NewCoverRenderer(cfg, uploader), logger)
	processor.RegisterHandler(models.KindCourse, course.Handle)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	go reportDueJobs(ctx, st, logger)

	logger.Info().
		Str("generator", cfg.GeneratorProvider).
		Dur("visibility", cfg.VisibilityTimeout).
		Dur("backoff_initial", cfg.BackoffInitial).
		Msg("worker starting")
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped")
	}
}

func reportDueJobs(ctx context.Context, st store.Backend, logger zerolog.Logger) {
	t := time.NewTicker(15 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := st.VisibleJobs(ctx)
			if err != nil {
				logger.Debug().Err(err).Msg("count due jobs")
				continue
			}
			telemetry.DueJobsGauge.Set(float64(n))
		}
	}
}
