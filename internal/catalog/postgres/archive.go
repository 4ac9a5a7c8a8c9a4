package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sqlagent/sqlagent/internal/catalog"
)

// ListAttemptsAfter pages through settled history in attempt id order for
// export. A row is settled when it was created before settledBefore and no
// unsettled row has a lower id, so the returned ids never skip a row that can
// still commit later.
func (r *Repository) ListAttemptsAfter(ctx context.Context, afterID int64, settledBefore time.Time, limit int) ([]catalog.Attempt, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT attempt_id, caller_id, template_id, question, generated_sql, execution_time, status, error_message, row_count, created_at
FROM query_history
WHERE attempt_id > $1
  AND created_at < $2
  AND attempt_id < COALESCE(
	(SELECT MIN(attempt_id) FROM query_history WHERE attempt_id > $1 AND created_at >= $2),
	9223372036854775807)
ORDER BY attempt_id ASC
LIMIT $3`, afterID, settledBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list attempts after %d: %w", afterID, err)
	}
	defer func() { _ = rows.Close() }()
	return collectAttempts(rows)
}

func (r *Repository) LatestArchiveRun(ctx context.Context) (catalog.ArchiveRun, error) {
	var run catalog.ArchiveRun
	err := r.db.QueryRowContext(ctx, `
SELECT run_id, max_attempt_id, object_key, record_count, created_at
FROM history_archive_run
ORDER BY max_attempt_id DESC
LIMIT 1`).Scan(&run.RunID, &run.MaxAttemptID, &run.ObjectKey, &run.RecordCount, &run.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.ArchiveRun{}, catalog.ErrNotFound
		}
		return catalog.ArchiveRun{}, fmt.Errorf("latest archive run: %w", err)
	}
	return run, nil
}

func (r *Repository) RecordArchiveRun(ctx context.Context, run catalog.ArchiveRun) (catalog.ArchiveRun, error) {
	query := `
INSERT INTO history_archive_run (max_attempt_id, object_key, record_count)
VALUES ($1, $2, $3)
RETURNING run_id, created_at`
	if err := r.db.QueryRowContext(ctx, query, run.MaxAttemptID, run.ObjectKey, run.RecordCount).Scan(&run.RunID, &run.CreatedAt); err != nil {
		return catalog.ArchiveRun{}, fmt.Errorf("record archive run: %w", err)
	}
	return run, nil
}
