// Package ledger meters callers: every pipeline run reserves one credit
// before any expensive work and settles it exactly once.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/sqlagent/sqlagent/internal/catalog"
)

var (
	ErrPaymentRequired = errors.New("ledger: payment required")
	ErrAlreadySettled  = errors.New("ledger: reservation already settled")
	ErrInactiveCaller  = errors.New("ledger: caller is inactive")
)

// Reservation is an open hold on one unit of a caller's balance. It is
// settled by exactly one Charge or Release.
type Reservation struct {
	HoldID    string
	CallerID  int64
	Tier      catalog.Tier
	CreatedAt time.Time
}

type Ledger interface {
	Authorize(ctx context.Context, callerID int64) (Reservation, error)
	Charge(ctx context.Context, reservation Reservation) error
	Release(ctx context.Context, reservation Reservation) error
}

// Sweeper removes holds abandoned by crashed or timed-out requests.
type Sweeper interface {
	SweepExpiredHolds(ctx context.Context, olderThan time.Time) (int64, error)
}
