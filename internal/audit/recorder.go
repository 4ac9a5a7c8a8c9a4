// Package audit writes one history row per pipeline attempt without ever
// failing the request that produced it.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sqlagent/sqlagent/internal/catalog"
	"github.com/sqlagent/sqlagent/internal/observability"
)

var ErrClosed = errors.New("audit: recorder closed")

type Store interface {
	InsertAttempt(ctx context.Context, attempt catalog.Attempt) (catalog.Attempt, error)
}

type Config struct {
	Workers      int
	QueueSize    int
	WriteTimeout time.Duration
}

type job struct {
	ctx     context.Context
	attempt catalog.Attempt
}

// Recorder drains a bounded queue with a fixed set of workers. A full queue
// makes Record write inline, so attempts are never dropped.
type Recorder struct {
	store        Store
	logger       *slog.Logger
	writeTimeout time.Duration
	queue        chan job
	workers      sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	pendingMu sync.Mutex
	pending   int
	idle      chan struct{}
}

func NewRecorder(store Store, cfg Config, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	queueSize := cfg.QueueSize
	if queueSize < 0 {
		queueSize = 0
	}
	idle := make(chan struct{})
	close(idle)

	r := &Recorder{
		store:        store,
		logger:       logger,
		writeTimeout: cfg.WriteTimeout,
		queue:        make(chan job, queueSize),
		idle:         idle,
	}
	for i := 0; i < workers; i++ {
		r.workers.Add(1)
		go func() {
			defer r.workers.Done()
			for item := range r.queue {
				observability.SetAuditQueueDepth(len(r.queue))
				r.write(item.ctx, item.attempt)
				r.done()
			}
		}()
	}
	return r
}

// Record never blocks on a slow store for longer than one write and never
// returns an error. The request context only contributes its values.
func (r *Recorder) Record(ctx context.Context, attempt catalog.Attempt) {
	detached := context.WithoutCancel(ctx)
	r.begin()

	r.mu.RLock()
	if !r.closed {
		select {
		case r.queue <- job{ctx: detached, attempt: attempt}:
			observability.SetAuditQueueDepth(len(r.queue))
			r.mu.RUnlock()
			return
		default:
		}
	}
	r.mu.RUnlock()

	r.write(detached, attempt)
	r.done()
}

// Flush waits until every attempt recorded before the call has been written.
func (r *Recorder) Flush(ctx context.Context) error {
	r.pendingMu.Lock()
	idle := r.idle
	r.pendingMu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue and stops the workers. Attempts recorded after
// Close are written inline.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		r.workers.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) write(ctx context.Context, attempt catalog.Attempt) {
	if r.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.writeTimeout)
		defer cancel()
	}
	if _, err := r.store.InsertAttempt(ctx, attempt); err != nil {
		observability.IncrementAuditWriteFailures()
		r.logger.ErrorContext(ctx, "audit write failed",
			slog.Int64("caller_id", attempt.CallerID),
			slog.Int64("template_id", attempt.TemplateID),
			slog.String("status", string(attempt.Status)),
			slog.Any("error", err),
		)
	}
}

func (r *Recorder) begin() {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	if r.pending == 0 {
		r.idle = make(chan struct{})
	}
	r.pending++
}

func (r *Recorder) done() {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	r.pending--
	if r.pending == 0 {
		close(r.idle)
	}
}
