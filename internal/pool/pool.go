// Package pool bounds access to the relational backend. Callers acquire a
// permit-backed connection handle, use it, and release it exactly once.
package pool

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/richardliu001/coinledger/internal/async"
	"github.com/richardliu001/coinledger/internal/config"
)

// Dialect is the relational flavour behind the pool.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

type exhaustedError struct{}

func (exhaustedError) Error() string   { return "connection pool exhausted" }
func (exhaustedError) Temporary() bool { return true }

// ErrPoolExhausted is returned when no connection frees up within the acquire
// timeout. It is transient.
var ErrPoolExhausted error = exhaustedError{}

// Pool wraps the gorm handle with a bounded number of concurrent users.
type Pool struct {
	db             *gorm.DB
	sqlDB          *sql.DB
	dialect        Dialect
	sem            *semaphore.Weighted
	size           int
	acquireTimeout time.Duration
	log            *zap.SugaredLogger
}

// Open connects to the configured database.
func Open(cfg config.DatabaseConfig, log *zap.SugaredLogger) (*Pool, error) {
	var dialector gorm.Dialector
	switch Dialect(cfg.Driver) {
	case Postgres:
		dialector = postgres.Open(cfg.DSN)
	case SQLite:
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("pool.Open: unknown driver %q", cfg.Driver)
	}

	gl := gormlogger.New(zap.NewStdLog(log.Desugar()), gormlogger.Config{
		SlowThreshold:             500 * time.Millisecond,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
	})
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gl})
	if err != nil {
		return nil, fmt.Errorf("pool.Open: %w", err)
	}
	p, err := New(db, cfg.Pool, log)
	if err != nil {
		return nil, err
	}
	if err := p.sqlDB.Ping(); err != nil {
		_ = p.sqlDB.Close()
		return nil, fmt.Errorf("pool.Open: ping: %w", err)
	}
	return p, nil
}

// New wraps an open gorm handle. A pool size outside the valid range is
// clamped with a warning.
func New(db *gorm.DB, cfg config.PoolConfig, log *zap.SugaredLogger) (*Pool, error) {
	size, clamped := cfg.ClampPoolSize()
	if clamped {
		log.Warnf("database pool size %d out of range [%d,%d], using %d",
			cfg.Size, config.MinPoolSize, config.MaxPoolSize, size)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("pool.New: %w", err)
	}
	sqlDB.SetMaxOpenConns(size)
	sqlDB.SetMaxIdleConns(size)
	if cfg.MaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(cfg.MaxIdleTime)
	}
	if cfg.MaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.MaxLifetime)
	}
	timeout := cfg.AcquireTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Pool{
		db:             db,
		sqlDB:          sqlDB,
		dialect:        Dialect(db.Dialector.Name()),
		sem:            semaphore.NewWeighted(int64(size)),
		size:           size,
		acquireTimeout: timeout,
		log:            log,
	}, nil
}

// Conn is an acquired handle. Release must be called once; extra calls are
// ignored.
type Conn struct {
	pool     *Pool
	db       *gorm.DB
	released atomic.Bool
}

// DB returns a gorm session bound to the acquiring context.
func (c *Conn) DB() *gorm.DB { return c.db }

func (c *Conn) Release() {
	if c.released.CompareAndSwap(false, true) {
		c.pool.sem.Release(1)
	}
}

// Acquire waits up to the acquire timeout for a free slot.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	actx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()
	if err := p.sem.Acquire(actx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.log.Warnw("connection pool exhausted", "size", p.size, "timeout", p.acquireTimeout)
		return nil, ErrPoolExhausted
	}
	return &Conn{pool: p, db: p.db.WithContext(ctx)}, nil
}

// With runs fn on an acquired connection and releases it on every exit path.
func (p *Pool) With(ctx context.Context, fn func(db *gorm.DB) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	return fn(conn.DB())
}

// Tx runs fn inside one db transaction at read-committed isolation where the
// dialect supports choosing it.
func (p *Pool) Tx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return p.With(ctx, func(db *gorm.DB) error {
		return db.Transaction(fn, p.TxOptions())
	})
}

// TxOptions returns the isolation used for ledger work.
func (p *Pool) TxOptions() *sql.TxOptions {
	if p.dialect == Postgres {
		return &sql.TxOptions{Isolation: sql.LevelReadCommitted}
	}
	return nil
}

// Submit resolves acquisition and fn asynchronously.
func Submit[T any](ctx context.Context, p *Pool, fn func(ctx context.Context, db *gorm.DB) (T, error)) *async.Future[T] {
	return async.Go(ctx, func(ctx context.Context) (T, error) {
		var res T
		err := p.With(ctx, func(db *gorm.DB) error {
			var err error
			res, err = fn(ctx, db)
			return err
		})
		return res, err
	})
}

func (p *Pool) Dialect() Dialect { return p.dialect }

func (p *Pool) Size() int { return p.size }

// Stats exposes the driver pool counters.
func (p *Pool) Stats() sql.DBStats { return p.sqlDB.Stats() }

func (p *Pool) Close() error { return p.sqlDB.Close() }
