// Package archive exports audited attempts to object storage in parquet
// batches and sweeps credit holds left behind by abandoned requests.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sqlagent/sqlagent/internal/catalog"
	"github.com/sqlagent/sqlagent/internal/ledger"
	"github.com/sqlagent/sqlagent/internal/observability"
	"github.com/sqlagent/sqlagent/internal/storage"
)

type Store interface {
	ListAttemptsAfter(ctx context.Context, afterID int64, settledBefore time.Time, limit int) ([]catalog.Attempt, error)
	LatestArchiveRun(ctx context.Context) (catalog.ArchiveRun, error)
	RecordArchiveRun(ctx context.Context, run catalog.ArchiveRun) (catalog.ArchiveRun, error)
}

// DefaultSettleLag is how old an attempt must be before it is exported.
const DefaultSettleLag = 5 * time.Minute

// Config controls one archiver. SettleLag has to outlast the slowest history
// write: attempt ids are allocated before their rows commit, so a younger row
// may still become visible below ids that were already exported.
type Config struct {
	BatchLimit int
	HoldTTL    time.Duration
	SettleLag  time.Duration
}

type Result struct {
	Runs       []catalog.ArchiveRun
	Records    int
	SweptHolds int64
}

type Archiver struct {
	store   Store
	objects storage.ObjectStore
	sweeper ledger.Sweeper
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// New returns an archiver. A nil sweeper skips hold cleanup.
func New(store Store, objects storage.ObjectStore, sweeper ledger.Sweeper, cfg Config, logger *slog.Logger) (*Archiver, error) {
	if store == nil {
		return nil, fmt.Errorf("archive store is required")
	}
	if objects == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 10000
	}
	if cfg.SettleLag <= 0 {
		cfg.SettleLag = DefaultSettleLag
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{store: store, objects: objects, sweeper: sweeper, cfg: cfg, logger: logger, now: time.Now}, nil
}

// Run exports every settled attempt past the last archive watermark, one
// object per batch, then sweeps expired holds. Each batch is committed by recording its
// run, so a failed run resumes from the last recorded batch.
func (a *Archiver) Run(ctx context.Context) (Result, error) {
	var result Result

	watermark, err := a.watermark(ctx)
	if err != nil {
		observability.ObserveArchiveRun("failure", 0)
		return result, err
	}
	settledBefore := a.now().Add(-a.cfg.SettleLag)

	for {
		attempts, err := a.store.ListAttemptsAfter(ctx, watermark, settledBefore, a.cfg.BatchLimit)
		if err != nil {
			observability.ObserveArchiveRun("failure", 0)
			return result, fmt.Errorf("list attempts after %d: %w", watermark, err)
		}
		if len(attempts) == 0 {
			break
		}

		run, err := a.exportBatch(ctx, attempts)
		if err != nil {
			observability.ObserveArchiveRun("failure", 0)
			return result, err
		}
		observability.ObserveArchiveRun("success", run.RecordCount)
		a.logger.InfoContext(ctx, "history batch archived",
			slog.String("object_key", run.ObjectKey),
			slog.Int("records", run.RecordCount),
			slog.Int64("max_attempt_id", run.MaxAttemptID),
		)

		result.Runs = append(result.Runs, run)
		result.Records += run.RecordCount
		watermark = run.MaxAttemptID
		if len(attempts) < a.cfg.BatchLimit {
			break
		}
	}
	if len(result.Runs) == 0 {
		observability.ObserveArchiveRun("empty", 0)
	}

	if a.sweeper != nil && a.cfg.HoldTTL > 0 {
		swept, err := a.sweeper.SweepExpiredHolds(ctx, a.now().Add(-a.cfg.HoldTTL))
		if err != nil {
			return result, fmt.Errorf("sweep expired holds: %w", err)
		}
		result.SweptHolds = swept
		if swept > 0 {
			a.logger.InfoContext(ctx, "expired credit holds swept", slog.Int64("holds", swept))
		}
	}
	return result, nil
}

// Schedule runs the archiver on a cron expression until ctx is done. Runs
// never overlap; a tick that fires during a run is skipped.
func (a *Archiver) Schedule(ctx context.Context, spec string) (*cron.Cron, error) {
	scheduler := cron.New(
		cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := scheduler.AddFunc(spec, func() { a.runLogged(ctx) }); err != nil {
		return nil, fmt.Errorf("invalid archive schedule %q: %w", spec, err)
	}
	scheduler.Start()
	return scheduler, nil
}

func (a *Archiver) runLogged(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	started := a.now()
	result, err := a.Run(ctx)
	if err != nil {
		a.logger.ErrorContext(ctx, "archive run failed", slog.Any("error", err), slog.Int("records", result.Records))
		return
	}
	a.logger.InfoContext(ctx, "archive run finished",
		slog.Int("batches", len(result.Runs)),
		slog.Int("records", result.Records),
		slog.Int64("swept_holds", result.SweptHolds),
		slog.Duration("elapsed", a.now().Sub(started)),
	)
}

func (a *Archiver) watermark(ctx context.Context) (int64, error) {
	run, err := a.store.LatestArchiveRun(ctx)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("load archive watermark: %w", err)
	}
	return run.MaxAttemptID, nil
}

func (a *Archiver) exportBatch(ctx context.Context, attempts []catalog.Attempt) (catalog.ArchiveRun, error) {
	first, last := attempts[0].AttemptID, attempts[len(attempts)-1].AttemptID
	key, err := storage.BuildArchivePath(a.now(), first, last)
	if err != nil {
		return catalog.ArchiveRun{}, err
	}
	data, err := EncodeAttempts(attempts)
	if err != nil {
		return catalog.ArchiveRun{}, fmt.Errorf("encode attempts %d..%d: %w", first, last, err)
	}
	opts := storage.PutOptions{
		ContentType: storage.ParquetContentType,
		Metadata: map[string]string{
			"first-attempt-id": strconv.FormatInt(first, 10),
			"last-attempt-id":  strconv.FormatInt(last, 10),
			"record-count":     strconv.Itoa(len(attempts)),
		},
	}
	if _, err := a.objects.Put(ctx, key, bytes.NewReader(data), int64(len(data)), opts); err != nil {
		return catalog.ArchiveRun{}, err
	}

	run, err := a.store.RecordArchiveRun(ctx, catalog.ArchiveRun{
		MaxAttemptID: last,
		ObjectKey:    key,
		RecordCount:  len(attempts),
	})
	if err != nil {
		if deleteErr := a.objects.Delete(context.WithoutCancel(ctx), key); deleteErr != nil {
			a.logger.WarnContext(ctx, "failed to remove unrecorded archive object", slog.String("object_key", key), slog.Any("error", deleteErr))
		}
		return catalog.ArchiveRun{}, err
	}
	return run, nil
}
