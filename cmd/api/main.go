// The api binary is the queue-mode front end: it stores jobs, indexes them
// in Postgres, and enqueues pipeline runs for separate worker processes.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"github.com/huiseok06/clipvoice/internal/api"
	"github.com/huiseok06/clipvoice/internal/config"
	"github.com/huiseok06/clipvoice/internal/database"
	"github.com/huiseok06/clipvoice/internal/jobstore"
	"github.com/huiseok06/clipvoice/internal/queue"
	"github.com/huiseok06/clipvoice/internal/repository"
	"github.com/huiseok06/clipvoice/internal/s3storage"
	"github.com/huiseok06/clipvoice/internal/signing"
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

	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer client.Close()

	srv := api.New(cfg, store, queue.NewDispatcher(client), logger)
	if cfg.SignAssets {
		srv.SetSigner(signing.NewSigner(cfg.SigningSecret))
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
		index := repository.NewJobIndex(pool)
		srv.SetIndex(index)
		srv.SetLister(index)
		logger.Info("job index enabled")
	}

	if cfg.S3Endpoint != "" {
		mirror, err := s3storage.New(cfg)
		if err != nil {
			fatal(logger, "init artifact mirror", err)
		}
		srv.SetPresigner(mirror)
		logger.Info("artifact presigning enabled", "bucket", cfg.S3Bucket)
	}

	logger.Info("clipvoice api listening", "addr", cfg.Address)
	if err := srv.Run(ctx); err != nil {
		fatal(logger, "api stopped", err)
	}
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "err", err)
	os.Exit(1)
}
