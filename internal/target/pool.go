package target

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type PoolConfig struct {
	MaxPools        int
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

// Pools shares one bounded *sql.DB per connection descriptor across callers.
type Pools struct {
	cfg    PoolConfig
	logger *slog.Logger
	open   func(driverName, dsn string) (*sql.DB, error)
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*poolEntry
	closed  bool
}

type poolEntry struct {
	db       *sql.DB
	desc     Descriptor
	lastUsed time.Time
	leases   int
	evicted  bool
}

// Lease is one borrower's hold on a shared handle. An evicted handle stays
// open until its last lease is released.
type Lease struct {
	DB   *sql.DB
	Desc Descriptor

	once    sync.Once
	release func()
}

// Release returns the lease. Calling it more than once is a no-op.
func (l *Lease) Release() {
	if l == nil || l.release == nil {
		return
	}
	l.once.Do(l.release)
}

func NewPools(cfg PoolConfig, logger *slog.Logger) *Pools {
	if cfg.MaxPools <= 0 {
		cfg.MaxPools = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pools{
		cfg:     cfg,
		logger:  logger,
		open:    sql.Open,
		now:     time.Now,
		entries: map[string]*poolEntry{},
	}
}

// Open leases the shared handle for a connection URI, creating it on first use.
// When the pool count is exceeded the least recently used handle leaves the
// set; it is closed once nobody holds a lease on it.
func (p *Pools) Open(_ context.Context, raw string) (*Lease, error) {
	desc, err := Resolve(raw)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("target pools are closed")
	}
	entry, ok := p.entries[desc.Raw]
	if !ok {
		db, err := p.open(desc.DriverName, desc.DSN)
		if err != nil {
			return nil, fmt.Errorf("open %s target: %w", desc.Dialect, redactError(desc.DSN, redactError(desc.Raw, err)))
		}
		p.configure(db, desc)

		if len(p.entries) >= p.cfg.MaxPools {
			p.evictOldestLocked()
		}
		entry = &poolEntry{db: db, desc: desc}
		p.entries[desc.Raw] = entry
		p.logger.Debug("opened target pool", slog.String("dialect", string(desc.Dialect)), slog.String("target", Redact(desc.Raw)))
	}
	entry.lastUsed = p.now()
	entry.leases++
	return &Lease{DB: entry.db, Desc: entry.desc, release: func() { p.release(entry) }}, nil
}

func (p *Pools) release(entry *poolEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry.leases--
	if entry.evicted && entry.leases == 0 {
		p.closeEntryLocked(entry)
	}
}

func (p *Pools) configure(db *sql.DB, desc Descriptor) {
	maxOpen := p.cfg.MaxOpenConns
	if desc.Dialect == DialectDuckDB {
		// a duckdb file admits one writing process; keep a single connection
		maxOpen = 1
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if p.cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(p.cfg.MaxIdleConns)
	}
	if p.cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(p.cfg.ConnMaxIdleTime)
	}
	if p.cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(p.cfg.ConnMaxLifetime)
	}
}

// evictOldestLocked prefers idle handles so in-flight work keeps its pool.
func (p *Pools) evictOldestLocked() {
	var (
		oldestKey string
		oldest    *poolEntry
	)
	for key, entry := range p.entries {
		if oldest == nil || evictBefore(entry, oldest) {
			oldestKey, oldest = key, entry
		}
	}
	if oldest == nil {
		return
	}
	delete(p.entries, oldestKey)
	oldest.evicted = true
	if oldest.leases == 0 {
		p.closeEntryLocked(oldest)
	}
}

func evictBefore(a, b *poolEntry) bool {
	if (a.leases == 0) != (b.leases == 0) {
		return a.leases == 0
	}
	return a.lastUsed.Before(b.lastUsed)
}

func (p *Pools) closeEntryLocked(entry *poolEntry) {
	if err := entry.db.Close(); err != nil {
		p.logger.Warn("close evicted target pool", slog.String("target", Redact(entry.desc.Raw)), slog.Any("error", err))
	}
}

func (p *Pools) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *Pools) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	var firstErr error
	for key, entry := range p.entries {
		if err := entry.db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close target pool %s: %w", Redact(key), err)
		}
		delete(p.entries, key)
	}
	return firstErr
}
