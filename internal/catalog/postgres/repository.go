package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sqlagent/sqlagent/internal/catalog"
)

type dbTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping catalog db: %w", err)
	}
	return nil
}

func (r *Repository) CreateCaller(ctx context.Context, in catalog.CreateCallerInput) (catalog.Caller, error) {
	return createCaller(ctx, r.db, in)
}

func createCaller(ctx context.Context, q dbTX, in catalog.CreateCallerInput) (catalog.Caller, error) {
	tier := in.Tier
	if tier == "" {
		tier = catalog.TierFree
	}

	query := `
INSERT INTO caller (email, tier, credits_remaining)
VALUES ($1, $2, $3)
RETURNING caller_id, created_at`
	caller := catalog.Caller{
		Email:            in.Email,
		Tier:             tier,
		CreditsRemaining: in.Credits,
		Active:           true,
	}
	if err := q.QueryRowContext(ctx, query, in.Email, string(tier), in.Credits).Scan(&caller.CallerID, &caller.CreatedAt); err != nil {
		return catalog.Caller{}, fmt.Errorf("create caller: %w", err)
	}
	return caller, nil
}

func (r *Repository) GetCaller(ctx context.Context, callerID int64) (catalog.Caller, error) {
	query := `
SELECT caller_id, email, tier, credits_remaining, queries_used, active, created_at
FROM caller
WHERE caller_id = $1`
	return scanCaller(r.db.QueryRowContext(ctx, query, callerID))
}

func (r *Repository) SetCallerTier(ctx context.Context, callerID int64, tier catalog.Tier) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE caller
SET tier = $2, updated_at = NOW()
WHERE caller_id = $1`, callerID, string(tier))
	if err != nil {
		return fmt.Errorf("set caller tier: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set caller tier rows affected: %w", err)
	}
	if affected == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

func (r *Repository) GrantCredits(ctx context.Context, callerID int64, credits float64) (catalog.Caller, error) {
	query := `
UPDATE caller
SET credits_remaining = credits_remaining + $2, updated_at = NOW()
WHERE caller_id = $1
RETURNING caller_id, email, tier, credits_remaining, queries_used, active, created_at`
	return scanCaller(r.db.QueryRowContext(ctx, query, callerID, credits))
}

func (r *Repository) CreateAPIKey(ctx context.Context, in catalog.CreateAPIKeyInput) (catalog.APIKey, error) {
	return createAPIKey(ctx, r.db, in)
}

func createAPIKey(ctx context.Context, q dbTX, in catalog.CreateAPIKeyInput) (catalog.APIKey, error) {
	query := `
INSERT INTO api_key (key_id, caller_id, key_hash)
VALUES ($1, $2, $3)
RETURNING created_at, revoked_at`

	key := catalog.APIKey{
		KeyID:    in.KeyID,
		CallerID: in.CallerID,
		KeyHash:  in.KeyHash,
	}
	if err := q.QueryRowContext(ctx, query, in.KeyID, in.CallerID, in.KeyHash).Scan(&key.CreatedAt, &key.RevokedAt); err != nil {
		return catalog.APIKey{}, fmt.Errorf("create api key: %w", err)
	}
	return key, nil
}

// ResolveAPIKey returns the active caller owning an unrevoked key hash.
func (r *Repository) ResolveAPIKey(ctx context.Context, keyHash string) (catalog.Caller, error) {
	query := `
SELECT c.caller_id, c.email, c.tier, c.credits_remaining, c.queries_used, c.active, c.created_at
FROM api_key k
JOIN caller c ON c.caller_id = k.caller_id
WHERE k.key_hash = $1
  AND k.revoked_at IS NULL
  AND c.active`
	return scanCaller(r.db.QueryRowContext(ctx, query, keyHash))
}

func (r *Repository) CreateTemplate(ctx context.Context, in catalog.CreateTemplateInput) (catalog.Template, error) {
	if err := in.Validate(); err != nil {
		return catalog.Template{}, err
	}
	examples, err := json.Marshal(in.Examples)
	if err != nil {
		return catalog.Template{}, fmt.Errorf("encode template examples: %w", err)
	}

	query := `
INSERT INTO query_template (owner_id, name, description, database_uri, example_queries, is_public)
VALUES ($1, $2, $3, $4, $5::jsonb, $6)
RETURNING template_id, created_at, updated_at`

	template := catalog.Template{
		OwnerID:     in.OwnerID,
		Name:        in.Name,
		Description: in.Description,
		DatabaseURI: in.DatabaseURI,
		Examples:    in.Examples,
		IsPublic:    in.IsPublic,
	}
	if err := r.db.QueryRowContext(ctx, query,
		in.OwnerID,
		in.Name,
		in.Description,
		in.DatabaseURI,
		string(examples),
		in.IsPublic,
	).Scan(&template.TemplateID, &template.CreatedAt, &template.UpdatedAt); err != nil {
		return catalog.Template{}, fmt.Errorf("create template: %w", err)
	}
	return template, nil
}

// GetTemplate loads a template without any ownership check; callers decide
// between NotFound and Forbidden with Template.ReadableBy.
func (r *Repository) GetTemplate(ctx context.Context, templateID int64) (catalog.Template, error) {
	query := `
SELECT template_id, owner_id, name, description, database_uri, example_queries, is_public, created_at, updated_at
FROM query_template
WHERE template_id = $1`
	template, err := scanTemplate(r.db.QueryRowContext(ctx, query, templateID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.Template{}, catalog.ErrNotFound
		}
		return catalog.Template{}, fmt.Errorf("get template: %w", err)
	}
	return template, nil
}

// ListTemplates returns the caller's own templates followed by public ones.
func (r *Repository) ListTemplates(ctx context.Context, callerID int64) ([]catalog.Template, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT template_id, owner_id, name, description, database_uri, example_queries, is_public, created_at, updated_at
FROM query_template
WHERE owner_id = $1 OR is_public
ORDER BY (owner_id = $1) DESC NULLS LAST, template_id ASC`, callerID)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	templates := make([]catalog.Template, 0)
	for rows.Next() {
		template, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template row: %w", err)
		}
		templates = append(templates, template)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate template rows: %w", err)
	}
	return templates, nil
}

func (r *Repository) InsertAttempt(ctx context.Context, attempt catalog.Attempt) (catalog.Attempt, error) {
	query := `
INSERT INTO query_history (caller_id, template_id, question, generated_sql, execution_time, status, error_message, row_count)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING attempt_id, created_at`

	if err := r.db.QueryRowContext(ctx, query,
		attempt.CallerID,
		attempt.TemplateID,
		attempt.Question,
		attempt.GeneratedSQL,
		attempt.Duration.Seconds(),
		string(attempt.Status),
		nullString(attempt.ErrorMessage),
		attempt.RowCount,
	).Scan(&attempt.AttemptID, &attempt.CreatedAt); err != nil {
		return catalog.Attempt{}, fmt.Errorf("insert attempt: %w", err)
	}
	return attempt, nil
}

// ListAttempts returns the caller's attempts newest first.
func (r *Repository) ListAttempts(ctx context.Context, callerID int64, limit int) ([]catalog.Attempt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT attempt_id, caller_id, template_id, question, generated_sql, execution_time, status, error_message, row_count, created_at
FROM query_history
WHERE caller_id = $1
ORDER BY created_at DESC, attempt_id DESC
LIMIT $2`, callerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectAttempts(rows)
}

// AttemptTotals counts the caller's attempts over all time.
func (r *Repository) AttemptTotals(ctx context.Context, callerID int64) (catalog.AttemptTotals, error) {
	var totals catalog.AttemptTotals
	if err := r.db.QueryRowContext(ctx, `
SELECT COUNT(*), COUNT(*) FILTER (WHERE status = 'success')
FROM query_history
WHERE caller_id = $1`, callerID).Scan(&totals.Total, &totals.Succeeded); err != nil {
		return catalog.AttemptTotals{}, fmt.Errorf("count attempts: %w", err)
	}
	return totals, nil
}

// DailyUsage groups the caller's attempts since the given instant by UTC day.
func (r *Repository) DailyUsage(ctx context.Context, callerID int64, since time.Time) ([]catalog.DailyUsage, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT date_trunc('day', created_at AT TIME ZONE 'UTC') AS day,
       COUNT(*) AS total,
       COUNT(*) FILTER (WHERE status = 'success') AS succeeded,
       COALESCE(SUM(execution_time), 0) AS seconds
FROM query_history
WHERE caller_id = $1 AND created_at >= $2
GROUP BY 1
ORDER BY 1 ASC`, callerID, since)
	if err != nil {
		return nil, fmt.Errorf("daily usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]catalog.DailyUsage, 0)
	for rows.Next() {
		var (
			day     time.Time
			usage   catalog.DailyUsage
			seconds float64
		)
		if err := rows.Scan(&day, &usage.Total, &usage.Succeeded, &seconds); err != nil {
			return nil, fmt.Errorf("scan daily usage row: %w", err)
		}
		usage.Day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
		usage.Failed = usage.Total - usage.Succeeded
		usage.TotalDuration = secondsToDuration(seconds)
		out = append(out, usage)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate daily usage rows: %w", err)
	}
	return out, nil
}

func (r *Repository) WithTx(ctx context.Context, fn func(tx *TxRepository) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&TxRepository{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// CreateCallerWithKey creates a caller and its first API key atomically.
func (r *Repository) CreateCallerWithKey(ctx context.Context, in catalog.CreateCallerInput, key catalog.CreateAPIKeyInput) (catalog.Caller, error) {
	var caller catalog.Caller
	err := r.WithTx(ctx, func(tx *TxRepository) error {
		created, err := tx.CreateCaller(ctx, in)
		if err != nil {
			return err
		}
		key.CallerID = created.CallerID
		if _, err := tx.CreateAPIKey(ctx, key); err != nil {
			return err
		}
		caller = created
		return nil
	})
	if err != nil {
		return catalog.Caller{}, err
	}
	return caller, nil
}

// TxRepository runs catalog writes inside a transaction opened by WithTx.
type TxRepository struct {
	q dbTX
}

func (r *TxRepository) CreateCaller(ctx context.Context, in catalog.CreateCallerInput) (catalog.Caller, error) {
	return createCaller(ctx, r.q, in)
}

func (r *TxRepository) CreateAPIKey(ctx context.Context, in catalog.CreateAPIKeyInput) (catalog.APIKey, error) {
	return createAPIKey(ctx, r.q, in)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCaller(row rowScanner) (catalog.Caller, error) {
	var (
		caller catalog.Caller
		tier   string
	)
	if err := row.Scan(
		&caller.CallerID,
		&caller.Email,
		&tier,
		&caller.CreditsRemaining,
		&caller.QueriesUsed,
		&caller.Active,
		&caller.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.Caller{}, catalog.ErrNotFound
		}
		return catalog.Caller{}, fmt.Errorf("scan caller: %w", err)
	}
	caller.Tier = catalog.Tier(tier)
	return caller, nil
}

func scanTemplate(row rowScanner) (catalog.Template, error) {
	var (
		template catalog.Template
		ownerID  sql.NullInt64
		examples []byte
	)
	if err := row.Scan(
		&template.TemplateID,
		&ownerID,
		&template.Name,
		&template.Description,
		&template.DatabaseURI,
		&examples,
		&template.IsPublic,
		&template.CreatedAt,
		&template.UpdatedAt,
	); err != nil {
		return catalog.Template{}, err
	}
	if ownerID.Valid {
		owner := ownerID.Int64
		template.OwnerID = &owner
	}
	if err := json.Unmarshal(examples, &template.Examples); err != nil {
		return catalog.Template{}, fmt.Errorf("decode examples for template %d: %w", template.TemplateID, err)
	}
	return template, nil
}

func collectAttempts(rows *sql.Rows) ([]catalog.Attempt, error) {
	attempts := make([]catalog.Attempt, 0)
	for rows.Next() {
		var (
			attempt      catalog.Attempt
			seconds      float64
			status       string
			errorMessage sql.NullString
		)
		if err := rows.Scan(
			&attempt.AttemptID,
			&attempt.CallerID,
			&attempt.TemplateID,
			&attempt.Question,
			&attempt.GeneratedSQL,
			&seconds,
			&status,
			&errorMessage,
			&attempt.RowCount,
			&attempt.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan attempt row: %w", err)
		}
		attempt.Duration = secondsToDuration(seconds)
		attempt.Status = catalog.AttemptStatus(status)
		attempt.ErrorMessage = errorMessage.String
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempt rows: %w", err)
	}
	return attempts, nil
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
