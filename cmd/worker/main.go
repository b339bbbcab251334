// The worker binary consumes queued pipeline runs via asynq, with the
// concurrency cap applied by the asynq server itself.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"github.com/huiseok06/clipvoice/internal/config"
	"github.com/huiseok06/clipvoice/internal/database"
	"github.com/huiseok06/clipvoice/internal/events"
	"github.com/huiseok06/clipvoice/internal/jobstore"
	"github.com/huiseok06/clipvoice/internal/pipeline"
	"github.com/huiseok06/clipvoice/internal/repository"
	"github.com/huiseok06/clipvoice/internal/runner"
	"github.com/huiseok06/clipvoice/internal/s3storage"
	"github.com/huiseok06/clipvoice/internal/worker"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatal(logger, "load config", err)
	}

	store, err := jobstore.NewFileStore(cfg.StorageRoot)
	if err != nil {
		fatal(logger, "init job store", err)
	}

	invoker := runner.New(cfg.OutputBudget, cfg.ArtifactAttempts, cfg.ArtifactDelay, logger)
	orc := pipeline.New(store, invoker, cfg, logger)

	if cfg.NATSURL != "" {
		publisher, err := events.Connect(cfg.NATSURL, cfg.EventSubject)
		if err != nil {
			fatal(logger, "connect nats", err)
		}
		defer publisher.Close()
		orc.SetEvents(publisher)
	}

	if cfg.DatabaseURL != "" {
		pool, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			fatal(logger, "connect database", err)
		}
		defer pool.Close()
		if err := database.EnsureSchema(ctx, pool); err != nil {
			fatal(logger, "ensure schema", err)
		}
		orc.SetIndex(repository.NewJobIndex(pool))
	}

	if cfg.S3Endpoint != "" {
		mirror, err := s3storage.New(cfg)
		if err != nil {
			fatal(logger, "init artifact mirror", err)
		}
		if err := mirror.EnsureBucket(ctx); err != nil {
			fatal(logger, "ensure bucket", err)
		}
		orc.SetMirror(mirror)
	}

	server := asynq.NewServer(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, asynq.Config{
		Concurrency: cfg.WorkerPool,
	})
	processor := worker.NewProcessor(orc, logger)

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	logger.Info("clipvoice worker starting", "concurrency", cfg.WorkerPool, "storage_root", cfg.StorageRoot)
	if err := server.Run(processor.Handler()); err != nil {
		fatal(logger, "worker stopped", err)
	}
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "err", err)
	os.Exit(1)
}
