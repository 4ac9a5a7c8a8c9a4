package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sqlagent/sqlagent/internal/catalog"
	"github.com/sqlagent/sqlagent/internal/ledger"
	"github.com/sqlagent/sqlagent/internal/nl2sql"
	"github.com/sqlagent/sqlagent/internal/schema"
	"github.com/sqlagent/sqlagent/internal/target"
)

type fakeLedger struct {
	mu           sync.Mutex
	authorizeErr error
	chargeErr    error
	authorized   int
	charged      int
	released     int
	chargeCtxErr error
	onRelease    func()
}

func (l *fakeLedger) Authorize(_ context.Context, callerID int64) (ledger.Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.authorizeErr != nil {
		return ledger.Reservation{}, l.authorizeErr
	}
	l.authorized++
	return ledger.Reservation{HoldID: fmt.Sprintf("hold-%d", l.authorized), CallerID: callerID, Tier: catalog.TierFree}, nil
}

func (l *fakeLedger) Charge(ctx context.Context, _ ledger.Reservation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.chargeCtxErr = ctx.Err()
	if l.chargeErr != nil {
		return l.chargeErr
	}
	l.charged++
	return nil
}

func (l *fakeLedger) Release(context.Context, ledger.Reservation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released++
	if l.onRelease != nil {
		l.onRelease()
	}
	return nil
}

func (l *fakeLedger) counts() (authorized, charged, released int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.authorized, l.charged, l.released
}

type fakeTemplates map[int64]catalog.Template

func (f fakeTemplates) GetTemplate(_ context.Context, id int64) (catalog.Template, error) {
	tmpl, ok := f[id]
	if !ok {
		return catalog.Template{}, catalog.ErrNotFound
	}
	return tmpl, nil
}

type fakeDescriber struct {
	calls atomic.Int32
	text  string
	delay time.Duration
}

func (d *fakeDescriber) Describe(ctx context.Context, _ string) string {
	d.calls.Add(1)
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	return d.text
}

type generatorFunc func(ctx context.Context, sqlContext nl2sql.Context, question string) (nl2sql.Generation, error)

func (f generatorFunc) Generate(ctx context.Context, sqlContext nl2sql.Context, question string) (nl2sql.Generation, error) {
	return f(ctx, sqlContext, question)
}

type executorFunc func(ctx context.Context, uri, sqlText string) (target.Result, error)

func (f executorFunc) Execute(ctx context.Context, uri, sqlText string) (target.Result, error) {
	return f(ctx, uri, sqlText)
}

type fakeRecorder struct {
	mu       sync.Mutex
	attempts []catalog.Attempt
	ctxErrs  []error
}

func (r *fakeRecorder) Record(ctx context.Context, attempt catalog.Attempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, attempt)
	r.ctxErrs = append(r.ctxErrs, ctx.Err())
}

func (r *fakeRecorder) recorded() []catalog.Attempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]catalog.Attempt(nil), r.attempts...)
}

type harness struct {
	service   *Service
	ledger    *fakeLedger
	describer *fakeDescriber
	recorder  *fakeRecorder
	templates fakeTemplates
	generated atomic.Int32
	executed  atomic.Int32
	generate  generatorFunc
	execute   executorFunc
}

func ownerID(id int64) *int64 { return &id }

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		ledger:    &fakeLedger{},
		describer: &fakeDescriber{text: "\nTable: orders\nColumns:\n  - id (integer) NOT NULL"},
		recorder:  &fakeRecorder{},
		templates: fakeTemplates{
			1: {TemplateID: 1, OwnerID: ownerID(7), Name: "shop", DatabaseURI: "sqlite:///shop.db",
				Examples: []catalog.Example{{Question: "count", Query: "SELECT COUNT(*) FROM orders"}},
				UpdatedAt: time.Unix(100, 0)},
			2: {TemplateID: 2, OwnerID: ownerID(99), Name: "private", DatabaseURI: "sqlite:///other.db",
				Examples: []catalog.Example{{Question: "q", Query: "SELECT 1"}}},
			3: {TemplateID: 3, Name: "public", DatabaseURI: "sqlite:///public.db", IsPublic: true,
				Examples: []catalog.Example{{Question: "q", Query: "SELECT 1"}}},
		},
	}
	h.generate = func(context.Context, nl2sql.Context, string) (nl2sql.Generation, error) {
		return nl2sql.Generation{SQL: "SELECT id FROM orders", Raw: "```sql\nSELECT id FROM orders\n```"}, nil
	}
	h.execute = func(context.Context, string, string) (target.Result, error) {
		row := target.NewRow()
		row.Set("id", int64(1))
		return target.Result{Rows: []target.Row{row}}, nil
	}

	service, err := New(Dependencies{
		Templates: h.templates,
		Ledger:    h.ledger,
		Describer: h.describer,
		Generator: generatorFunc(func(ctx context.Context, c nl2sql.Context, q string) (nl2sql.Generation, error) {
			h.generated.Add(1)
			return h.generate(ctx, c, q)
		}),
		Executor: executorFunc(func(ctx context.Context, uri, sqlText string) (target.Result, error) {
			h.executed.Add(1)
			return h.execute(ctx, uri, sqlText)
		}),
		Recorder: h.recorder,
		Logger:   slog.New(slog.NewJSONHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.service = service
	return h
}

func assertKind(t *testing.T, err error, want Kind, stage Stage) {
	t.Helper()
	var pipelineErr *Error
	if !errors.As(err, &pipelineErr) {
		t.Fatalf("error = %v, want *orchestrator.Error", err)
	}
	if pipelineErr.Kind != want || pipelineErr.Stage != stage {
		t.Fatalf("error kind/stage = %s/%s, want %s/%s", pipelineErr.Kind, pipelineErr.Stage, want, stage)
	}
}

func TestExecuteSuccessChargesOnceAndRecords(t *testing.T) {
	h := newHarness(t)

	resp, err := h.service.Execute(context.Background(), Request{CallerID: 7, TemplateID: 1, Question: " how many? "})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.Status != "success" || resp.GeneratedSQL != "SELECT id FROM orders" || resp.RowCount != 1 || resp.Message != "Query executed successfully" {
		t.Fatalf("response = %+v", resp)
	}

	authorized, charged, released := h.ledger.counts()
	if authorized != 1 || charged != 1 || released != 0 {
		t.Fatalf("ledger authorized=%d charged=%d released=%d", authorized, charged, released)
	}
	attempts := h.recorder.recorded()
	if len(attempts) != 1 {
		t.Fatalf("recorded %d attempts, want 1", len(attempts))
	}
	got := attempts[0]
	if got.Status != catalog.StatusSuccess || got.GeneratedSQL != "SELECT id FROM orders" || got.Question != "how many?" || got.RowCount != 1 || got.ErrorMessage != "" {
		t.Fatalf("attempt = %+v", got)
	}
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestFailureDurationExcludesHoldRelease(t *testing.T) {
	tests := []struct {
		name     string
		genErr   error
		execErr  error
		kind     Kind
		stage    Stage
		duration time.Duration
	}{
		{name: "generation", genErr: &nl2sql.GenerationError{Message: "upstream 503"}, kind: KindGenerationFailure, stage: StageGenerating, duration: 2 * time.Second},
		{name: "execution", execErr: &target.ExecutionError{Message: "no such table: orders"}, kind: KindExecutionFailure, stage: StageExecuting, duration: 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			clock := &stepClock{now: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
			h.service.now = clock.Now
			h.ledger.onRelease = func() { clock.advance(time.Minute) }
			h.generate = func(context.Context, nl2sql.Context, string) (nl2sql.Generation, error) {
				clock.advance(2 * time.Second)
				if tt.genErr != nil {
					return nl2sql.Generation{}, tt.genErr
				}
				return nl2sql.Generation{SQL: "SELECT id FROM orders"}, nil
			}
			h.execute = func(context.Context, string, string) (target.Result, error) {
				clock.advance(3 * time.Second)
				return target.Result{}, tt.execErr
			}

			_, err := h.service.Execute(context.Background(), Request{CallerID: 7, TemplateID: 1, Question: "q"})
			assertKind(t, err, tt.kind, tt.stage)

			attempts := h.recorder.recorded()
			if len(attempts) != 1 {
				t.Fatalf("recorded %d attempts, want 1", len(attempts))
			}
			if attempts[0].Duration != tt.duration {
				t.Fatalf("recorded duration = %s, want %s", attempts[0].Duration, tt.duration)
			}
		})
	}
}

// creditLedger holds a balance: a reservation needs a credit and a charge spends it.
type creditLedger struct {
	mu      sync.Mutex
	credits int
	charged int
}

func (l *creditLedger) Authorize(_ context.Context, callerID int64) (ledger.Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.credits <= 0 {
		return ledger.Reservation{}, fmt.Errorf("caller %d: %w", callerID, ledger.ErrPaymentRequired)
	}
	return ledger.Reservation{HoldID: "hold", CallerID: callerID, Tier: catalog.TierFree}, nil
}

func (l *creditLedger) Charge(context.Context, ledger.Reservation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credits--
	l.charged++
	return nil
}

func (l *creditLedger) Release(context.Context, ledger.Reservation) error { return nil }

func TestExecuteAgainstSQLiteTargetSpendsLastCredit(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	pools := target.NewPools(target.PoolConfig{MaxPools: 1, MaxOpenConns: 1, MaxIdleConns: 1}, logger)
	defer func() { _ = pools.Close() }()
	uri := "sqlite://"

	lease, err := pools.Open(context.Background(), uri)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	for _, stmt := range []string{
		`CREATE TABLE sales (amount INTEGER NOT NULL)`,
		`INSERT INTO sales (amount) VALUES (40), (2)`,
	} {
		if _, err := lease.DB.Exec(stmt); err != nil {
			t.Fatalf("Exec(%q) error = %v", stmt, err)
		}
	}
	lease.Release()

	credits := &creditLedger{credits: 1}
	recorder := &fakeRecorder{}
	service, err := New(Dependencies{
		Templates: fakeTemplates{1: {TemplateID: 1, OwnerID: ownerID(7), Name: "sales", DatabaseURI: uri,
			Examples: []catalog.Example{{Question: "count", Query: "SELECT COUNT(*) FROM sales"}}}},
		Ledger:    credits,
		Describer: schema.NewIntrospector(pools, time.Second, logger),
		Generator: generatorFunc(func(context.Context, nl2sql.Context, string) (nl2sql.Generation, error) {
			return nl2sql.Generation{SQL: "SELECT SUM(amount) AS total FROM sales"}, nil
		}),
		Executor: target.NewExecutor(pools, target.ExecutorConfig{QueryTimeout: 5 * time.Second, MaxRows: 100}, logger),
		Recorder: recorder,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	resp, err := service.Execute(context.Background(), Request{CallerID: 7, TemplateID: 1, Question: "what is the total?"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	body, err := json.Marshal(resp.Rows)
	if err != nil {
		t.Fatalf("Marshal(rows) error = %v", err)
	}
	if string(body) != `[{"total":42}]` {
		t.Fatalf("rows = %s, want [{\"total\":42}]", body)
	}
	if credits.charged != 1 || credits.credits != 0 {
		t.Fatalf("charged=%d credits=%d, want 1 and 0", credits.charged, credits.credits)
	}
	if attempts := recorder.recorded(); len(attempts) != 1 || attempts[0].RowCount != 1 || attempts[0].Status != catalog.StatusSuccess {
		t.Fatalf("attempts = %+v", attempts)
	}

	_, err = service.Execute(context.Background(), Request{CallerID: 7, TemplateID: 1, Question: "again?"})
	assertKind(t, err, KindPaymentRequired, StageAuthorizing)
	if credits.charged != 1 {
		t.Fatalf("charged = %d after payment-required run", credits.charged)
	}
}

func TestExecutePaymentRequiredHasNoSideEffects(t *testing.T) {
	h := newHarness(t)
	h.ledger.authorizeErr = fmt.Errorf("caller 7: %w", ledger.ErrPaymentRequired)

	_, err := h.service.Execute(context.Background(), Request{CallerID: 7, TemplateID: 1, Question: "q"})
	assertKind(t, err, KindPaymentRequired, StageAuthorizing)

	if len(h.recorder.recorded()) != 0 || h.generated.Load() != 0 || h.describer.calls.Load() != 0 {
		t.Fatal("payment-required run must not record, introspect or generate")
	}
}

func TestExecuteUnauthenticatedCaller(t *testing.T) {
	h := newHarness(t)

	_, err := h.service.Execute(context.Background(), Request{TemplateID: 1, Question: "q"})
	assertKind(t, err, KindUnauthenticated, StageAuthorizing)
	if authorized, _, _ := h.ledger.counts(); authorized != 0 {
		t.Fatal("unauthenticated run must not reach the ledger")
	}
}

func TestExecuteTemplateResolutionFailures(t *testing.T) {
	tests := []struct {
		name       string
		templateID int64
		kind       Kind
	}{
		{name: "missing", templateID: 404, kind: KindNotFound},
		{name: "private template of another caller", templateID: 2, kind: KindForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)

			_, err := h.service.Execute(context.Background(), Request{CallerID: 7, TemplateID: tt.templateID, Question: "q"})
			assertKind(t, err, tt.kind, StageContextBuilding)

			_, charged, released := h.ledger.counts()
			if charged != 0 || released != 1 {
				t.Fatalf("charged=%d released=%d, want 0 and 1", charged, released)
			}
			if len(h.recorder.recorded()) != 0 || h.generated.Load() != 0 {
				t.Fatal("unresolved template must not be recorded or generated")
			}
		})
	}
}

func TestExecutePublicTemplateIsReadable(t *testing.T) {
	h := newHarness(t)

	if _, err := h.service.Execute(context.Background(), Request{CallerID: 7, TemplateID: 3, Question: "q"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
}

func TestExecuteGenerationFailureRecordsWithoutSQL(t *testing.T) {
	h := newHarness(t)
	h.generate = func(context.Context, nl2sql.Context, string) (nl2sql.Generation, error) {
		return nl2sql.Generation{}, &nl2sql.GenerationError{Provider: "openai", StatusCode: 429, Message: "chat completion failed: Rate limit reached"}
	}

	_, err := h.service.Execute(context.Background(), Request{CallerID: 7, TemplateID: 1, Question: "q"})
	assertKind(t, err, KindGenerationFailure, StageGenerating)
	var genErr *nl2sql.GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("error chain lost GenerationError: %v", err)
	}

	attempts := h.recorder.recorded()
	if len(attempts) != 1 || attempts[0].Status != catalog.StatusError || attempts[0].GeneratedSQL != "" || attempts[0].ErrorMessage == "" {
		t.Fatalf("attempts = %+v", attempts)
	}
	if _, charged, released := h.ledger.counts(); charged != 0 || released != 1 {
		t.Fatalf("charged=%d released=%d", charged, released)
	}
	if h.executed.Load() != 0 {
		t.Fatal("executor must not run after generation failure")
	}
}

func TestExecuteEmptySQLIsGenerationFailure(t *testing.T) {
	h := newHarness(t)
	h.generate = func(context.Context, nl2sql.Context, string) (nl2sql.Generation, error) {
		return nl2sql.Generation{Raw: "I could not find a matching table."}, nil
	}

	_, err := h.service.Execute(context.Background(), Request{CallerID: 7, TemplateID: 1, Question: "q"})
	assertKind(t, err, KindGenerationFailure, StageGenerating)

	attempts := h.recorder.recorded()
	if len(attempts) != 1 || attempts[0].ErrorMessage != "model did not return SQL" || attempts[0].GeneratedSQL != "" {
		t.Fatalf("attempts = %+v", attempts)
	}
	if h.executed.Load() != 0 {
		t.Fatal("empty SQL must not be executed")
	}
}

func TestExecuteExecutionFailureRecordsFailingSQL(t *testing.T) {
	h := newHarness(t)
	h.generate = func(context.Context, nl2sql.Context, string) (nl2sql.Generation, error) {
		return nl2sql.Generation{SQL: "SELECT missing FROM orders"}, nil
	}
	h.execute = func(context.Context, string, string) (target.Result, error) {
		return target.Result{}, &target.ExecutionError{Message: "no such column: missing"}
	}

	_, err := h.service.Execute(context.Background(), Request{CallerID: 7, TemplateID: 1, Question: "q"})
	assertKind(t, err, KindExecutionFailure, StageExecuting)
	var pipelineErr *Error
	errors.As(err, &pipelineErr)
	if pipelineErr.Message != "no such column: missing" {
		t.Fatalf("message = %q", pipelineErr.Message)
	}

	attempts := h.recorder.recorded()
	if len(attempts) != 1 || attempts[0].GeneratedSQL != "SELECT missing FROM orders" || attempts[0].ErrorMessage != "no such column: missing" {
		t.Fatalf("attempts = %+v", attempts)
	}
	if _, charged, released := h.ledger.counts(); charged != 0 || released != 1 {
		t.Fatalf("charged=%d released=%d", charged, released)
	}
}

func TestExecuteChargeFailureStillRecordsSuccess(t *testing.T) {
	h := newHarness(t)
	h.ledger.chargeErr = errors.New("connection refused")

	_, err := h.service.Execute(context.Background(), Request{CallerID: 7, TemplateID: 1, Question: "q"})
	assertKind(t, err, KindInternalFailure, StageCharging)

	attempts := h.recorder.recorded()
	if len(attempts) != 1 || attempts[0].Status != catalog.StatusSuccess || attempts[0].GeneratedSQL == "" {
		t.Fatalf("attempts = %+v", attempts)
	}
}

func TestExecuteSettlesAfterClientDisconnect(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.execute = func(context.Context, string, string) (target.Result, error) {
		cancel()
		return target.Result{}, nil
	}

	if _, err := h.service.Execute(ctx, Request{CallerID: 7, TemplateID: 1, Question: "q"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if h.ledger.chargeCtxErr != nil {
		t.Fatalf("charge ran with canceled context: %v", h.ledger.chargeCtxErr)
	}
	h.recorder.mu.Lock()
	defer h.recorder.mu.Unlock()
	if h.recorder.ctxErrs[0] != nil {
		t.Fatalf("record ran with canceled context: %v", h.recorder.ctxErrs[0])
	}
}

func TestExecuteStatementsNotReturningRows(t *testing.T) {
	h := newHarness(t)
	h.execute = func(context.Context, string, string) (target.Result, error) {
		return target.Result{Rows: []target.Row{}}, nil
	}

	resp, err := h.service.Execute(context.Background(), Request{CallerID: 7, TemplateID: 1, Question: "q"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.RowCount != 0 || resp.Rows == nil {
		t.Fatalf("response = %+v", resp)
	}
}

func TestContextIsBuiltOncePerTemplateVersion(t *testing.T) {
	h := newHarness(t)
	h.describer.delay = 20 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.service.Execute(context.Background(), Request{CallerID: 7, TemplateID: 1, Question: "q"}); err != nil {
				t.Errorf("Execute() error = %v", err)
			}
		}()
	}
	wg.Wait()
	if calls := h.describer.calls.Load(); calls != 1 {
		t.Fatalf("Describe() called %d times, want 1", calls)
	}

	tmpl := h.templates[1]
	tmpl.UpdatedAt = tmpl.UpdatedAt.Add(time.Minute)
	h.templates[1] = tmpl
	if _, err := h.service.Execute(context.Background(), Request{CallerID: 7, TemplateID: 1, Question: "q"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if calls := h.describer.calls.Load(); calls != 2 {
		t.Fatalf("Describe() called %d times after update, want 2", calls)
	}
}

func TestUnavailableSchemaIsNotCached(t *testing.T) {
	h := newHarness(t)
	h.describer.text = schema.Unavailable
	var prompts []string
	h.generate = func(_ context.Context, c nl2sql.Context, _ string) (nl2sql.Generation, error) {
		prompts = append(prompts, c.Prompt)
		return nl2sql.Generation{SQL: "SELECT 1"}, nil
	}

	for i := 0; i < 2; i++ {
		if _, err := h.service.Execute(context.Background(), Request{CallerID: 7, TemplateID: 1, Question: "q"}); err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
	}
	if calls := h.describer.calls.Load(); calls != 2 {
		t.Fatalf("Describe() called %d times, want 2", calls)
	}
	examples, err := nl2sql.ParseExamples(prompts[0])
	if err != nil || len(examples) != 1 {
		t.Fatalf("degraded prompt lost examples: %v %v", examples, err)
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Dependencies{}); err == nil {
		t.Fatal("New() expected error for missing dependencies")
	}
}

type fakeHistory struct {
	attempts []catalog.Attempt
	days     []catalog.DailyUsage
	totals   catalog.AttemptTotals
	gotLimit int
	gotSince time.Time
}

func (f *fakeHistory) ListAttempts(_ context.Context, _ int64, limit int) ([]catalog.Attempt, error) {
	f.gotLimit = limit
	return f.attempts, nil
}

func (f *fakeHistory) DailyUsage(_ context.Context, _ int64, since time.Time) ([]catalog.DailyUsage, error) {
	f.gotSince = since
	return f.days, nil
}

func (f *fakeHistory) AttemptTotals(context.Context, int64) (catalog.AttemptTotals, error) {
	return f.totals, nil
}

func newUsageService(t *testing.T, history *fakeHistory, now time.Time) *Service {
	t.Helper()
	h := newHarness(t)
	service, err := New(Dependencies{
		Templates: h.templates,
		Ledger:    h.ledger,
		Describer: h.describer,
		Generator: h.generate,
		Executor:  h.execute,
		Recorder:  h.recorder,
		History:   history,
		Now:       func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return service
}

func TestHistoryClampsLimit(t *testing.T) {
	history := &fakeHistory{}
	service := newUsageService(t, history, time.Now())

	for _, tt := range []struct{ in, want int }{{0, 50}, {-3, 50}, {20, 20}, {10_000, 500}} {
		if _, err := service.History(context.Background(), 7, tt.in); err != nil {
			t.Fatalf("History() error = %v", err)
		}
		if history.gotLimit != tt.want {
			t.Fatalf("History(limit=%d) used %d, want %d", tt.in, history.gotLimit, tt.want)
		}
	}
}

func TestStatsSummarizesWindow(t *testing.T) {
	now := time.Date(2026, 10, 1, 15, 0, 0, 0, time.UTC)
	history := &fakeHistory{
		totals: catalog.AttemptTotals{Total: 40, Succeeded: 30},
		days: []catalog.DailyUsage{
			{Day: time.Date(2026, 9, 29, 0, 0, 0, 0, time.UTC), Total: 4, Succeeded: 3, Failed: 1, TotalDuration: 8 * time.Second},
			{Day: time.Date(2026, 9, 30, 0, 0, 0, 0, time.UTC), Total: 6, Succeeded: 6, TotalDuration: 12 * time.Second},
		},
	}
	service := newUsageService(t, history, now)

	stats, err := service.Stats(context.Background(), 7)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if !history.gotSince.Equal(now.Add(-30 * 24 * time.Hour)) {
		t.Fatalf("since = %v", history.gotSince)
	}
	if stats.MonthlyQueries != 10 || stats.TotalQueries != 40 || stats.SuccessRate != 75 || stats.AverageDurationSeconds != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	if len(stats.Daily) != 2 || stats.Daily[0].SuccessRate != 75 || stats.Daily[1].AverageDurationSeconds != 2 {
		t.Fatalf("daily = %+v", stats.Daily)
	}
}

func TestStatsWithoutHistory(t *testing.T) {
	service := newUsageService(t, &fakeHistory{}, time.Now())

	stats, err := service.Stats(context.Background(), 7)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.SuccessRate != 0 || stats.AverageDurationSeconds != 0 || stats.Daily == nil {
		t.Fatalf("stats = %+v", stats)
	}
}
