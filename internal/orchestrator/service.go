// Package orchestrator runs one question through authorization, context
// building, generation, execution, charging and recording.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sqlagent/sqlagent/internal/catalog"
	"github.com/sqlagent/sqlagent/internal/ledger"
	"github.com/sqlagent/sqlagent/internal/nl2sql"
	"github.com/sqlagent/sqlagent/internal/observability"
	"github.com/sqlagent/sqlagent/internal/target"
)

const successMessage = "Query executed successfully"

var errNoSQL = errors.New("model did not return SQL")

type TemplateStore interface {
	GetTemplate(ctx context.Context, templateID int64) (catalog.Template, error)
}

type Describer interface {
	Describe(ctx context.Context, targetURI string) string
}

type Executor interface {
	Execute(ctx context.Context, targetURI, sqlText string) (target.Result, error)
}

type Recorder interface {
	Record(ctx context.Context, attempt catalog.Attempt)
}

type HistoryReader interface {
	ListAttempts(ctx context.Context, callerID int64, limit int) ([]catalog.Attempt, error)
	DailyUsage(ctx context.Context, callerID int64, since time.Time) ([]catalog.DailyUsage, error)
	AttemptTotals(ctx context.Context, callerID int64) (catalog.AttemptTotals, error)
}

type Dependencies struct {
	Templates TemplateStore
	Ledger    ledger.Ledger
	Describer Describer
	Builder   nl2sql.ContextBuilder
	Generator nl2sql.Generator
	Executor  Executor
	Recorder  Recorder
	History   HistoryReader
	Logger    *slog.Logger
	Now       func() time.Time
}

type Request struct {
	CallerID   int64
	TemplateID int64
	Question   string
}

type Response struct {
	Status       string
	Message      string
	GeneratedSQL string
	Rows         []target.Row
	RowCount     int
	Truncated    bool
	Duration     time.Duration
}

type Service struct {
	templates TemplateStore
	ledger    ledger.Ledger
	contexts  *contextCache
	generator nl2sql.Generator
	executor  Executor
	recorder  Recorder
	history   HistoryReader
	logger    *slog.Logger
	now       func() time.Time
}

func New(deps Dependencies) (*Service, error) {
	switch {
	case deps.Templates == nil:
		return nil, fmt.Errorf("template store is required")
	case deps.Ledger == nil:
		return nil, fmt.Errorf("ledger is required")
	case deps.Describer == nil:
		return nil, fmt.Errorf("schema describer is required")
	case deps.Generator == nil:
		return nil, fmt.Errorf("sql generator is required")
	case deps.Executor == nil:
		return nil, fmt.Errorf("executor is required")
	case deps.Recorder == nil:
		return nil, fmt.Errorf("audit recorder is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		templates: deps.Templates,
		ledger:    deps.Ledger,
		contexts:  newContextCache(deps.Describer, deps.Builder),
		generator: deps.Generator,
		executor:  deps.Executor,
		recorder:  deps.Recorder,
		history:   deps.History,
		logger:    logger,
		now:       now,
	}, nil
}

// Execute runs the pipeline. Every run past template resolution is recorded
// exactly once, and a reservation is charged only when execution succeeded.
func (s *Service) Execute(ctx context.Context, req Request) (Response, error) {
	question := strings.TrimSpace(req.Question)
	logger := s.logger.With(
		slog.Int64("caller_id", req.CallerID),
		slog.Int64("template_id", req.TemplateID),
	)
	if req.CallerID <= 0 {
		return Response{}, s.terminal(fail(StageAuthorizing, KindUnauthenticated, "caller is not authenticated", nil))
	}

	reservation, err := s.ledger.Authorize(ctx, req.CallerID)
	if err != nil {
		return Response{}, s.terminal(authorizeFailure(err))
	}
	// Settlement must survive the caller hanging up.
	settleCtx := context.WithoutCancel(ctx)

	tmpl, err := s.templates.GetTemplate(ctx, req.TemplateID)
	if err == nil && !tmpl.ReadableBy(req.CallerID) {
		err = catalog.ErrForbidden
	}
	if err != nil {
		s.release(settleCtx, logger, reservation)
		return Response{}, s.terminal(templateFailure(err))
	}

	sqlContext := s.contexts.get(ctx, tmpl)

	attempt := catalog.Attempt{CallerID: req.CallerID, TemplateID: tmpl.TemplateID, Question: question}
	started := s.now()

	generation, err := s.generator.Generate(ctx, sqlContext, question)
	elapsed := s.now().Sub(started)
	observability.ObserveGeneration(elapsed)
	if err == nil && strings.TrimSpace(generation.SQL) == "" {
		logger.WarnContext(ctx, "model reply contained no sql", slog.String("raw", generation.Raw))
		err = errNoSQL
	}
	if err != nil {
		s.release(settleCtx, logger, reservation)
		s.recordFailure(settleCtx, attempt, elapsed, err)
		return Response{}, s.terminal(fail(StageGenerating, KindGenerationFailure, generationMessage(err), err))
	}
	attempt.GeneratedSQL = generation.SQL

	executedAt := s.now()
	result, err := s.executor.Execute(ctx, tmpl.DatabaseURI, generation.SQL)
	finished := s.now()
	observability.ObserveExecution(finished.Sub(executedAt))
	attempt.Duration = finished.Sub(started)
	if err != nil {
		s.release(settleCtx, logger, reservation)
		s.recordFailure(settleCtx, attempt, attempt.Duration, err)
		return Response{}, s.terminal(fail(StageExecuting, KindExecutionFailure, executionMessage(err), err))
	}
	attempt.RowCount = len(result.Rows)
	attempt.Status = catalog.StatusSuccess

	chargeErr := s.ledger.Charge(settleCtx, reservation)
	if chargeErr == nil {
		observability.IncrementCreditsCharged(string(reservation.Tier))
	} else {
		logger.ErrorContext(ctx, "charge failed after successful execution",
			slog.String("hold_id", reservation.HoldID),
			slog.Any("error", chargeErr),
		)
	}

	s.recorder.Record(settleCtx, attempt)

	if chargeErr != nil {
		return Response{}, s.terminal(fail(StageCharging, KindInternalFailure, "failed to settle usage", chargeErr))
	}
	observability.ObserveAttempt(string(catalog.StatusSuccess), string(StageDone))
	return Response{
		Status:       string(catalog.StatusSuccess),
		Message:      successMessage,
		GeneratedSQL: generation.SQL,
		Rows:         result.Rows,
		RowCount:     len(result.Rows),
		Truncated:    result.Truncated,
		Duration:     attempt.Duration,
	}, nil
}

// recordFailure stores elapsed as measured when the failing stage returned.
func (s *Service) recordFailure(ctx context.Context, attempt catalog.Attempt, elapsed time.Duration, cause error) {
	attempt.Duration = elapsed
	attempt.Status = catalog.StatusError
	attempt.ErrorMessage = cause.Error()
	s.recorder.Record(ctx, attempt)
}

func (s *Service) release(ctx context.Context, logger *slog.Logger, reservation ledger.Reservation) {
	if err := s.ledger.Release(ctx, reservation); err != nil {
		logger.WarnContext(ctx, "release credit hold failed",
			slog.String("hold_id", reservation.HoldID),
			slog.Any("error", err),
		)
	}
}

func (s *Service) terminal(err *Error) *Error {
	if err.Kind == KindPaymentRequired {
		observability.IncrementPaymentRequired()
	}
	observability.ObserveAttempt(string(catalog.StatusError), string(err.Stage))
	return err
}

func authorizeFailure(err error) *Error {
	switch {
	case errors.Is(err, ledger.ErrPaymentRequired):
		return fail(StageAuthorizing, KindPaymentRequired, "No credits remaining. Please upgrade your subscription.", err)
	case errors.Is(err, catalog.ErrNotFound):
		return fail(StageAuthorizing, KindUnauthenticated, "caller is not registered", err)
	case errors.Is(err, ledger.ErrInactiveCaller):
		return fail(StageAuthorizing, KindForbidden, "caller account is inactive", err)
	default:
		return fail(StageAuthorizing, KindInternalFailure, "failed to authorize usage", err)
	}
}

func templateFailure(err error) *Error {
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		return fail(StageContextBuilding, KindNotFound, "Template not found", err)
	case errors.Is(err, catalog.ErrForbidden):
		return fail(StageContextBuilding, KindForbidden, "Template is not accessible", err)
	default:
		return fail(StageContextBuilding, KindInternalFailure, "failed to load template", err)
	}
}

func generationMessage(err error) string {
	var genErr *nl2sql.GenerationError
	if errors.As(err, &genErr) {
		return "SQL generation failed: " + genErr.Message
	}
	return err.Error()
}

func executionMessage(err error) string {
	var execErr *target.ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Message
	}
	return err.Error()
}
