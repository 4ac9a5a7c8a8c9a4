package target

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ExecutionError carries the target database's message verbatim.
type ExecutionError struct {
	Message string
	Err     error
}

func (e *ExecutionError) Error() string {
	return e.Message
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

type Opener interface {
	Open(ctx context.Context, raw string) (*Lease, error)
}

type ExecutorConfig struct {
	QueryTimeout time.Duration
	MaxRows      int
}

type Result struct {
	Rows      []Row
	Truncated bool
	Duration  time.Duration
}

// Executor runs exactly one generated statement against a template database.
// Failures are never retried.
type Executor struct {
	opener Opener
	cfg    ExecutorConfig
	logger *slog.Logger
}

func NewExecutor(opener Opener, cfg ExecutorConfig, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{opener: opener, cfg: cfg, logger: logger}
}

func (e *Executor) Execute(ctx context.Context, targetURI, sqlText string) (Result, error) {
	lease, err := e.opener.Open(ctx, targetURI)
	if err != nil {
		return Result{}, &ExecutionError{Message: err.Error(), Err: err}
	}
	defer lease.Release()
	db, desc := lease.DB, lease.Desc
	statement, err := singleStatement(sqlText, desc.Dialect)
	if err != nil {
		return Result{}, &ExecutionError{Message: err.Error(), Err: err}
	}

	if e.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.QueryTimeout)
		defer cancel()
	}

	start := time.Now()
	conn, err := db.Conn(ctx)
	if err != nil {
		return Result{}, e.wrap(desc, "acquire connection", err)
	}
	defer func() { _ = conn.Close() }()

	rows, err := conn.QueryContext(ctx, statement)
	if err != nil {
		return Result{}, e.wrap(desc, "execute", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return Result{}, e.wrap(desc, "read columns", err)
	}

	result := Result{Rows: make([]Row, 0)}
	if len(columns) == 0 {
		// statements without a result set still have to run to completion
		for rows.Next() {
		}
		if err := rows.Err(); err != nil {
			return Result{}, e.wrap(desc, "execute", err)
		}
		result.Duration = time.Since(start)
		return result, nil
	}

	for rows.Next() {
		if e.cfg.MaxRows > 0 && len(result.Rows) >= e.cfg.MaxRows {
			result.Truncated = true
			break
		}
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return Result{}, e.wrap(desc, "scan row", err)
		}
		row := NewRow()
		for i, column := range columns {
			row.Set(column, normalizeValue(values[i]))
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return Result{}, e.wrap(desc, "iterate rows", err)
	}
	result.Duration = time.Since(start)
	return result, nil
}

func (e *Executor) wrap(desc Descriptor, step string, err error) error {
	err = redactError(desc.DSN, redactError(desc.Raw, err))
	message := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		message = fmt.Sprintf("query exceeded the %s timeout", e.cfg.QueryTimeout)
	}
	e.logger.Debug("target execution failed",
		slog.String("dialect", string(desc.Dialect)),
		slog.String("step", step),
		slog.String("error", message),
	)
	return &ExecutionError{Message: message, Err: err}
}
