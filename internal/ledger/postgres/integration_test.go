//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/sqlagent/sqlagent/internal/catalog"
	catalogpostgres "github.com/sqlagent/sqlagent/internal/catalog/postgres"
	"github.com/sqlagent/sqlagent/internal/ledger"
	"github.com/sqlagent/sqlagent/internal/migrations"
)

func TestConcurrentAuthorizeNeverOverspends(t *testing.T) {
	db := openMigratedDatabase(t)
	ctx := context.Background()

	caller, err := catalogpostgres.NewRepository(db).CreateCaller(ctx, catalog.CreateCallerInput{
		Email:   fmt.Sprintf("race-%d@example.com", time.Now().UnixNano()),
		Tier:    catalog.TierFree,
		Credits: 1,
	})
	if err != nil {
		t.Fatalf("CreateCaller() error = %v", err)
	}

	l := New(db, time.Minute)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		granted  []ledger.Reservation
		declined int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reservation, err := l.Authorize(ctx, caller.CallerID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				granted = append(granted, reservation)
			case errors.Is(err, ledger.ErrPaymentRequired):
				declined++
			default:
				t.Errorf("Authorize() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if len(granted) != 1 || declined != 7 {
		t.Fatalf("granted=%d declined=%d, want 1 and 7", len(granted), declined)
	}
	if err := l.Charge(ctx, granted[0]); err != nil {
		t.Fatalf("Charge() error = %v", err)
	}
	if err := l.Charge(ctx, granted[0]); !errors.Is(err, ledger.ErrAlreadySettled) {
		t.Fatalf("second Charge() error = %v, want ErrAlreadySettled", err)
	}

	var credits float64
	var used int64
	if err := db.QueryRow(`SELECT credits_remaining::float8, queries_used FROM caller WHERE caller_id = $1`, caller.CallerID).Scan(&credits, &used); err != nil {
		t.Fatalf("read balance: %v", err)
	}
	if credits != 0 || used != 1 {
		t.Fatalf("credits=%v used=%d, want 0 and 1", credits, used)
	}
	if _, err := l.Authorize(ctx, caller.CallerID); !errors.Is(err, ledger.ErrPaymentRequired) {
		t.Fatalf("Authorize() after exhaustion error = %v", err)
	}
}

func openMigratedDatabase(t *testing.T) *sql.DB {
	t.Helper()
	adminDSN := strings.TrimSpace(os.Getenv("SQLAGENT_TEST_CATALOG_DSN"))
	if adminDSN == "" {
		t.Skip("SQLAGENT_TEST_CATALOG_DSN is not set")
	}
	parsed, err := url.Parse(adminDSN)
	if err != nil {
		t.Fatalf("url.Parse(adminDSN) error = %v", err)
	}

	adminDB, err := sql.Open("pgx", adminDSN)
	if err != nil {
		t.Fatalf("sql.Open(adminDSN) error = %v", err)
	}
	name := fmt.Sprintf("sqlagent_ledger_it_%d", time.Now().UnixNano())
	if _, err := adminDB.Exec(`CREATE DATABASE ` + name); err != nil {
		t.Fatalf("CREATE DATABASE failed: %v", err)
	}

	testURL := *parsed
	testURL.Path = "/" + name
	db, err := sql.Open("pgx", testURL.String())
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
		_, _ = adminDB.Exec(`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1`, name)
		_, _ = adminDB.Exec(`DROP DATABASE ` + name)
		_ = adminDB.Close()
	})

	if _, err := migrations.NewRunner().Up(context.Background(), db, 0); err != nil {
		t.Fatalf("migrations Up() error = %v", err)
	}
	return db
}
