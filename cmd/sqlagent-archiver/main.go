package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sqlagent/sqlagent/internal/archive"
	catalogpostgres "github.com/sqlagent/sqlagent/internal/catalog/postgres"
	"github.com/sqlagent/sqlagent/internal/config"
	ledgerpostgres "github.com/sqlagent/sqlagent/internal/ledger/postgres"
	"github.com/sqlagent/sqlagent/internal/observability"
	s3store "github.com/sqlagent/sqlagent/internal/storage/s3"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Error("failed to load dotenv files", slog.Any("error", err))
		os.Exit(1)
	}
	cfg, err := config.LoadFromEnv("sqlagent-archiver")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	db, err := catalogpostgres.Open(context.Background(), catalogpostgres.DBConfig{
		DSN:             cfg.Catalog.DSN,
		ApplicationName: cfg.Service.Name,
		MaxOpenConns:    cfg.Catalog.MaxOpenConns,
		MaxIdleConns:    cfg.Catalog.MaxIdleConns,
		ConnMaxIdleTime: cfg.Catalog.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Catalog.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to open catalog db", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	store, err := s3store.New(context.Background(), s3store.Config{
		Endpoint:         cfg.ObjectStore.Endpoint,
		Region:           cfg.ObjectStore.Region,
		Bucket:           cfg.ObjectStore.Bucket,
		AccessKeyID:      cfg.ObjectStore.AccessKeyID,
		SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
		UseSSL:           cfg.ObjectStore.UseSSL,
		Prefix:           cfg.ObjectStore.Prefix,
		AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
	})
	if err != nil {
		logger.Error("failed to initialize object store", slog.Any("error", err))
		os.Exit(1)
	}
	if err := store.BucketReady(context.Background()); err != nil {
		logger.Error("archive bucket is not ready", slog.Any("error", err))
		os.Exit(1)
	}

	archiver, err := archive.New(
		catalogpostgres.NewRepository(db),
		store,
		ledgerpostgres.New(db, cfg.Ledger.HoldTTL),
		archive.Config{BatchLimit: cfg.Archive.BatchLimit, HoldTTL: cfg.Ledger.HoldTTL, SettleLag: cfg.Archive.SettleLag},
		logger,
	)
	if err != nil {
		logger.Error("failed to initialize archiver", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Archive.RunOnStart {
		if _, err := archiver.Run(ctx); err != nil {
			logger.Error("initial archive run failed", slog.Any("error", err))
		}
	}

	scheduler, err := archiver.Schedule(ctx, cfg.Archive.Schedule)
	if err != nil {
		logger.Error("failed to schedule archiver", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("archiver started", slog.String("schedule", cfg.Archive.Schedule))

	<-ctx.Done()
	logger.Info("stopping archiver")
	<-scheduler.Stop().Done()
	logger.Info("archiver stopped")
}
