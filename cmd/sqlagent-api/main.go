package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sqlagent/sqlagent/internal/api"
	"github.com/sqlagent/sqlagent/internal/audit"
	"github.com/sqlagent/sqlagent/internal/auth"
	catalogpostgres "github.com/sqlagent/sqlagent/internal/catalog/postgres"
	"github.com/sqlagent/sqlagent/internal/config"
	ledgerpostgres "github.com/sqlagent/sqlagent/internal/ledger/postgres"
	"github.com/sqlagent/sqlagent/internal/nl2sql"
	"github.com/sqlagent/sqlagent/internal/observability"
	"github.com/sqlagent/sqlagent/internal/orchestrator"
	"github.com/sqlagent/sqlagent/internal/schema"
	"github.com/sqlagent/sqlagent/internal/target"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Error("failed to load dotenv files", slog.Any("error", err))
		os.Exit(1)
	}
	cfg, err := config.LoadFromEnv("sqlagent-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	catalogDB, err := catalogpostgres.Open(context.Background(), catalogpostgres.DBConfig{
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
	defer func() { _ = catalogDB.Close() }()

	catalogRepo := catalogpostgres.NewRepository(catalogDB)
	pools := target.NewPools(target.PoolConfig{
		MaxPools:        cfg.Target.MaxPools,
		MaxOpenConns:    cfg.Target.MaxOpenConns,
		MaxIdleConns:    cfg.Target.MaxIdleConns,
		ConnMaxIdleTime: cfg.Target.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Target.ConnMaxLifetime,
	}, logger)
	defer func() { _ = pools.Close() }()

	generator, err := nl2sql.NewOpenAIGenerator(nl2sql.OpenAIConfig{
		Provider:    cfg.AI.Provider,
		BaseURL:     cfg.AI.BaseURL,
		APIKey:      cfg.AI.APIKey,
		Model:       cfg.AI.Model,
		Deployment:  cfg.AI.Deployment,
		APIVersion:  cfg.AI.APIVersion,
		Temperature: cfg.AI.Temperature,
		MaxTokens:   cfg.AI.MaxTokens,
		Timeout:     cfg.AI.Timeout,
	})
	if err != nil {
		logger.Error("failed to initialize sql generator", slog.Any("error", err))
		os.Exit(1)
	}

	recorder := audit.NewRecorder(catalogRepo, audit.Config{
		Workers:      cfg.Audit.Workers,
		QueueSize:    cfg.Audit.QueueSize,
		WriteTimeout: cfg.Audit.WriteTimeout,
	}, logger)

	queries, err := orchestrator.New(orchestrator.Dependencies{
		Templates: catalogRepo,
		Ledger:    ledgerpostgres.New(catalogDB, cfg.Ledger.HoldTTL),
		Describer: schema.NewIntrospector(pools, cfg.Schema.Timeout, logger),
		Builder:   nl2sql.ContextBuilder{MaxExamples: cfg.Schema.MaxExamples},
		Generator: generator,
		Executor: target.NewExecutor(pools, target.ExecutorConfig{
			QueryTimeout: cfg.Target.QueryTimeout,
			MaxRows:      cfg.Target.MaxRows,
		}, logger),
		Recorder: recorder,
		History:  catalogRepo,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("failed to initialize query service", slog.Any("error", err))
		os.Exit(1)
	}

	staticKeys, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
	if err != nil {
		logger.Error("failed to parse static auth keys", slog.Any("error", err))
		os.Exit(1)
	}
	validator := auth.ChainValidator{staticKeys, auth.NewCatalogValidator(catalogRepo, logger)}

	handler := api.NewHandler(cfg, api.Dependencies{
		Logger:         logger,
		AuthMiddleware: auth.Middleware(logger, validator),
		Queries:        queries,
		RateLimiter:    api.NewRateLimiter(cfg.RateLimit.PerMinute),
		Readiness: api.CombineReadinessChecks(
			catalogRepo.HealthCheck,
			api.CheckGeneratorConfig(cfg),
		),
		DependencyTimeout: time.Second,
	})
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
	}
	if err := recorder.Close(shutdownCtx); err != nil {
		logger.Error("audit recorder did not drain", slog.Any("error", err))
	}
}
