// The server binary runs clipvoice all-in-one: HTTP surface, file-backed job
// store, and an in-process bounded worker pool driving the pipeline.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/huiseok06/clipvoice/internal/api"
	"github.com/huiseok06/clipvoice/internal/config"
	"github.com/huiseok06/clipvoice/internal/dispatch"
	"github.com/huiseok06/clipvoice/internal/events"
	"github.com/huiseok06/clipvoice/internal/jobstore"
	"github.com/huiseok06/clipvoice/internal/model"
	"github.com/huiseok06/clipvoice/internal/pipeline"
	"github.com/huiseok06/clipvoice/internal/runner"
	"github.com/huiseok06/clipvoice/internal/signing"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

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
		logger.Info("lifecycle events enabled", "subject", cfg.EventSubject)
	}

	pool := dispatch.New(cfg.WorkerPool, func(ctx context.Context, jobID string) {
		_ = orc.Run(ctx, jobID)
	}, func(jobID string) {
		if _, err := store.Patch(jobID, model.FailurePatch("processing queue full")); err != nil {
			logger.Error("mark rejected job failed", "job_id", jobID, "err", err)
		}
	}, logger)

	srv := api.New(cfg, store, pool, logger)
	if cfg.SignAssets {
		srv.SetSigner(signing.NewSigner(cfg.SigningSecret))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool.Start(ctx)
	logger.Info("clipvoice listening", "addr", cfg.Address, "workers", cfg.WorkerPool, "storage_root", cfg.StorageRoot)
	if err := srv.Run(ctx); err != nil {
		fatal(logger, "server stopped", err)
	}
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "err", err)
	os.Exit(1)
}
