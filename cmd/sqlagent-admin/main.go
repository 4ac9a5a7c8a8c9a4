package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	catalogpostgres "github.com/sqlagent/sqlagent/internal/catalog/postgres"
	"github.com/sqlagent/sqlagent/internal/cli/sqlagentadmin"
	"github.com/sqlagent/sqlagent/internal/config"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "dotenv error: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.LoadFromEnv("sqlagent-admin")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := catalogpostgres.Open(ctx, catalogpostgres.DBConfig{DSN: cfg.Catalog.DSN, ApplicationName: cfg.Service.Name, MaxOpenConns: 2})
	if err != nil {
		fmt.Fprintf(os.Stderr, "catalog error: %v\n", err)
		os.Exit(1)
	}

	code := sqlagentadmin.Run(ctx, os.Args[1:], sqlagentadmin.Options{
		Store:          catalogpostgres.NewRepository(db),
		DefaultCredits: cfg.Ledger.DefaultCredits,
		Stdout:         os.Stdout,
		Stderr:         os.Stderr,
	})
	_ = db.Close()
	os.Exit(code)
}
