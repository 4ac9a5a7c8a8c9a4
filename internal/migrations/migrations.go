package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var embeddedFS embed.FS

const (
	migrationTable = "sqlagent_schema_migrations"
	// lockKey serializes runners started by concurrent deploys.
	lockKey int64 = 0x73716c6167656e74
)

var migrationNamePattern = regexp.MustCompile(`^([0-9]+)_(.+)\.(up|down)\.sql$`)

type Runner struct {
	fsys fs.FS
}

func NewRunner() *Runner {
	return &Runner{fsys: embeddedFS}
}

// NewRunnerFS builds a runner over an arbitrary tree that keeps its scripts under sql/.
func NewRunnerFS(fsys fs.FS) *Runner {
	return &Runner{fsys: fsys}
}

// Status reports one known migration and whether it has been applied.
type Status struct {
	Version int64
	Name    string
	Applied bool
}

type migration struct {
	Version int64
	Name    string
	UpSQL   string
	DownSQL string
}

// Up applies pending migrations in version order. steps <= 0 applies all of them.
func (r *Runner) Up(ctx context.Context, db *sql.DB, steps int) (int, error) {
	migrations, err := loadMigrations(r.fsys)
	if err != nil {
		return 0, err
	}

	runCount := 0
	err = withLockedConn(ctx, db, func(conn *sql.Conn) error {
		applied, err := appliedSet(ctx, conn)
		if err != nil {
			return err
		}
		for _, item := range migrations {
			if _, ok := applied[item.Version]; ok {
				continue
			}
			if steps > 0 && runCount >= steps {
				break
			}
			mark := `INSERT INTO ` + migrationTable + ` (version) VALUES ($1)`
			if err := runScript(ctx, conn, item, item.UpSQL, mark); err != nil {
				return fmt.Errorf("apply migration %d: %w", item.Version, err)
			}
			runCount++
		}
		return nil
	})
	return runCount, err
}

// Down rolls back the newest applied migrations. steps <= 0 rolls back one.
func (r *Runner) Down(ctx context.Context, db *sql.DB, steps int) (int, error) {
	if steps <= 0 {
		steps = 1
	}
	migrations, err := loadMigrations(r.fsys)
	if err != nil {
		return 0, err
	}
	lookup := make(map[int64]migration, len(migrations))
	for _, item := range migrations {
		lookup[item.Version] = item
	}

	runCount := 0
	err = withLockedConn(ctx, db, func(conn *sql.Conn) error {
		applied, err := listAppliedVersions(ctx, conn)
		if err != nil {
			return err
		}
		for i := len(applied) - 1; i >= 0 && runCount < steps; i-- {
			item, ok := lookup[applied[i]]
			if !ok {
				return fmt.Errorf("applied migration %d is missing from source", applied[i])
			}
			unmark := `DELETE FROM ` + migrationTable + ` WHERE version = $1`
			if err := runScript(ctx, conn, item, item.DownSQL, unmark); err != nil {
				return fmt.Errorf("rollback migration %d: %w", item.Version, err)
			}
			runCount++
		}
		return nil
	})
	return runCount, err
}

func (r *Runner) Status(ctx context.Context, db *sql.DB) ([]Status, error) {
	migrations, err := loadMigrations(r.fsys)
	if err != nil {
		return nil, err
	}

	var out []Status
	err = withLockedConn(ctx, db, func(conn *sql.Conn) error {
		applied, err := appliedSet(ctx, conn)
		if err != nil {
			return err
		}
		out = make([]Status, 0, len(migrations))
		for _, item := range migrations {
			_, ok := applied[item.Version]
			out = append(out, Status{Version: item.Version, Name: item.Name, Applied: ok})
		}
		return nil
	})
	return out, err
}

// withLockedConn pins one connection, holds the session advisory lock on it
// and makes sure the bookkeeping table exists before calling fn.
func withLockedConn(ctx context.Context, db *sql.DB, fn func(conn *sql.Conn) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration conn: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, lockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, lockKey)
	}()

	_, err = conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS `+migrationTable+` (
	version BIGINT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`)
	if err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return fn(conn)
}

// runScript executes script and its bookkeeping statement in one transaction.
func runScript(ctx context.Context, conn *sql.Conn, item migration, script, bookkeeping string) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("%s: %w", item.Name, err)
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, item.Version); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	return tx.Commit()
}

func appliedSet(ctx context.Context, conn *sql.Conn) (map[int64]struct{}, error) {
	versions, err := listAppliedVersions(ctx, conn)
	if err != nil {
		return nil, err
	}
	set := make(map[int64]struct{}, len(versions))
	for _, version := range versions {
		set[version] = struct{}{}
	}
	return set, nil
}

func listAppliedVersions(ctx context.Context, conn *sql.Conn) ([]int64, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version FROM `+migrationTable+` ORDER BY version ASC`)
	if err != nil {
		return nil, fmt.Errorf("query applied versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var versions []int64
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, version)
	}
	return versions, rows.Err()
}

// loadMigrations pairs NNNNNN_name.up.sql with its .down.sql and sorts by version.
func loadMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, "sql")
	if err != nil {
		return nil, fmt.Errorf("read migration dir: %w", err)
	}

	items := map[int64]*migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matches := migrationNamePattern.FindStringSubmatch(path.Base(entry.Name()))
		if matches == nil {
			continue
		}
		version, err := strconv.ParseInt(matches[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse migration version for %q: %w", entry.Name(), err)
		}
		script, err := fs.ReadFile(fsys, path.Join("sql", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %q: %w", entry.Name(), err)
		}

		item, ok := items[version]
		if !ok {
			item = &migration{Version: version, Name: matches[2]}
			items[version] = item
		} else if item.Name != matches[2] {
			return nil, fmt.Errorf("migration %d has mismatched names %q and %q", version, item.Name, matches[2])
		}
		if matches[3] == "up" {
			item.UpSQL = string(script)
		} else {
			item.DownSQL = string(script)
		}
	}

	out := make([]migration, 0, len(items))
	for _, item := range items {
		if strings.TrimSpace(item.UpSQL) == "" {
			return nil, fmt.Errorf("migration %d missing up SQL", item.Version)
		}
		if strings.TrimSpace(item.DownSQL) == "" {
			return nil, fmt.Errorf("migration %d missing down SQL", item.Version)
		}
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}
