package testutil

import (
	"context"
	"fmt"
	"regexp"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/richardliu001/coinledger/internal/config"
	"github.com/richardliu001/coinledger/internal/logger"
	"github.com/richardliu001/coinledger/internal/pool"
	"github.com/richardliu001/coinledger/internal/retry"
	"github.com/richardliu001/coinledger/internal/schema"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_]`)

// OpenSQLite returns a private in-memory database that lives until the test ends.
func OpenSQLite(t *testing.T) *gorm.DB {
	t.Helper()

	name := unsafeChars.ReplaceAllString(t.Name(), "_")
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sqlite handle: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

// NewPool wraps db in a single-connection pool; SQLite serialises writers anyway.
func NewPool(t *testing.T, db *gorm.DB) *pool.Pool {
	t.Helper()

	p, err := pool.New(db, config.PoolConfig{Size: 1, AcquireTimeout: 5 * time.Second}, logger.Nop())
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	return p
}

// SetupDB returns a migrated pool over a fresh in-memory database.
func SetupDB(t *testing.T) *pool.Pool {
	t.Helper()

	p := NewPool(t, OpenSQLite(t))
	if err := schema.New(p, FastRetry(), logger.Nop()).Ensure(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return p
}

// FastRetry keeps retry waits short in tests.
func FastRetry() retry.Policy {
	return retry.Policy{MaxRetries: retry.MaxRetries, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}
