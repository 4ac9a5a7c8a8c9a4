package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sqlagent/sqlagent/internal/catalog"
	"github.com/sqlagent/sqlagent/internal/ledger"
)

// Ledger keeps balances on the caller row and open reservations in
// credit_hold. Row locks are only taken inside the short transactions below.
type Ledger struct {
	db      *sql.DB
	holdTTL time.Duration
	now     func() time.Time
	newID   func() string
}

func New(db *sql.DB, holdTTL time.Duration) *Ledger {
	if holdTTL <= 0 {
		holdTTL = 5 * time.Minute
	}
	return &Ledger{
		db:      db,
		holdTTL: holdTTL,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

func (l *Ledger) Authorize(ctx context.Context, callerID int64) (ledger.Reservation, error) {
	var reservation ledger.Reservation
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		tier, credits, err := lockCaller(ctx, tx, callerID)
		if err != nil {
			return err
		}

		now := l.now()
		var openHolds int64
		if err := tx.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM credit_hold
WHERE caller_id = $1 AND created_at > $2`, callerID, now.Add(-l.holdTTL)).Scan(&openHolds); err != nil {
			return fmt.Errorf("count open holds: %w", err)
		}
		if tier == catalog.TierFree && credits-float64(openHolds) <= 0 {
			return fmt.Errorf("caller %d has %.2f credits and %d open holds: %w", callerID, credits, openHolds, ledger.ErrPaymentRequired)
		}

		holdID := l.newID()
		if _, err := tx.ExecContext(ctx, `
INSERT INTO credit_hold (hold_id, caller_id, created_at)
VALUES ($1, $2, $3)`, holdID, callerID, now); err != nil {
			return fmt.Errorf("insert credit hold: %w", err)
		}
		reservation = ledger.Reservation{HoldID: holdID, CallerID: callerID, Tier: tier, CreatedAt: now}
		return nil
	})
	if err != nil {
		return ledger.Reservation{}, err
	}
	return reservation, nil
}

// Charge consumes the hold and bills the caller at its current tier.
func (l *Ledger) Charge(ctx context.Context, reservation ledger.Reservation) error {
	return l.withTx(ctx, func(tx *sql.Tx) error {
		tier, _, err := lockCaller(ctx, tx, reservation.CallerID)
		if err != nil {
			return err
		}
		if err := deleteHold(ctx, tx, reservation); err != nil {
			return err
		}

		cost := 0.0
		if tier == catalog.TierFree {
			cost = 1
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE caller
SET credits_remaining = GREATEST(credits_remaining - $2, 0),
	queries_used = queries_used + 1,
	updated_at = NOW()
WHERE caller_id = $1`, reservation.CallerID, cost); err != nil {
			return fmt.Errorf("charge caller %d: %w", reservation.CallerID, err)
		}
		return nil
	})
}

func (l *Ledger) Release(ctx context.Context, reservation ledger.Reservation) error {
	return deleteHold(ctx, l.db, reservation)
}

func (l *Ledger) SweepExpiredHolds(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := l.db.ExecContext(ctx, `DELETE FROM credit_hold WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("sweep credit holds: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep credit holds rows affected: %w", err)
	}
	return removed, nil
}

func (l *Ledger) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func lockCaller(ctx context.Context, tx *sql.Tx, callerID int64) (catalog.Tier, float64, error) {
	var (
		tier    string
		credits float64
		active  bool
	)
	err := tx.QueryRowContext(ctx, `
SELECT tier, credits_remaining::float8, active
FROM caller
WHERE caller_id = $1
FOR UPDATE`, callerID).Scan(&tier, &credits, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, fmt.Errorf("caller %d: %w", callerID, catalog.ErrNotFound)
	}
	if err != nil {
		return "", 0, fmt.Errorf("lock caller %d: %w", callerID, err)
	}
	if !active {
		return "", 0, fmt.Errorf("caller %d: %w", callerID, ledger.ErrInactiveCaller)
	}
	parsed, err := catalog.ParseTier(tier)
	if err != nil {
		return "", 0, fmt.Errorf("caller %d: %w", callerID, err)
	}
	return parsed, credits, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func deleteHold(ctx context.Context, q execer, reservation ledger.Reservation) error {
	result, err := q.ExecContext(ctx, `DELETE FROM credit_hold WHERE hold_id = $1 AND caller_id = $2`, reservation.HoldID, reservation.CallerID)
	if err != nil {
		return fmt.Errorf("delete credit hold %s: %w", reservation.HoldID, err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete credit hold rows affected: %w", err)
	}
	if deleted == 0 {
		return fmt.Errorf("hold %s: %w", reservation.HoldID, ledger.ErrAlreadySettled)
	}
	return nil
}
