package pool_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/richardliu001/coinledger/internal/config"
	"github.com/richardliu001/coinledger/internal/logger"
	"github.com/richardliu001/coinledger/internal/pool"
	"github.com/richardliu001/coinledger/internal/retry"
	"github.com/richardliu001/coinledger/internal/testutil"
)

func newPool(t *testing.T, size int, timeout time.Duration) *pool.Pool {
	p, err := pool.New(testutil.OpenSQLite(t), config.PoolConfig{Size: size, AcquireTimeout: timeout}, logger.Nop())
	require.NoError(t, err)
	return p
}

func TestAcquire_ExhaustedFailsFast(t *testing.T) {
	p := newPool(t, 1, 20*time.Millisecond)
	ctx := context.Background()

	conn, err := p.Acquire(ctx)
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, pool.ErrPoolExhausted)
	assert.True(t, retry.IsTransient(err))
	assert.Less(t, time.Since(start), time.Second)

	conn.Release()
	conn.Release() // second release is ignored

	again, err := p.Acquire(ctx)
	require.NoError(t, err)
	again.Release()
}

func TestWith_ReleasesOnErrorAndPanic(t *testing.T) {
	p := newPool(t, 1, 50*time.Millisecond)
	ctx := context.Background()

	boom := errors.New("boom")
	err := p.With(ctx, func(*gorm.DB) error { return boom })
	assert.ErrorIs(t, err, boom)

	assert.Panics(t, func() {
		_ = p.With(ctx, func(*gorm.DB) error { panic("bad") })
	})

	require.NoError(t, p.With(ctx, func(db *gorm.DB) error {
		return db.Exec("SELECT 1").Error
	}))
}

func TestNew_ClampsSize(t *testing.T) {
	p := newPool(t, 5000, time.Second)
	assert.Equal(t, config.MaxPoolSize, p.Size())

	p = newPool(t, -3, time.Second)
	assert.Equal(t, config.MinPoolSize, p.Size())
	assert.Equal(t, pool.SQLite, p.Dialect())
}

func TestSubmit_BoundedConcurrency(t *testing.T) {
	p := newPool(t, 2, time.Second)
	ctx := context.Background()

	var mu sync.Mutex
	active, peak := 0, 0
	futures := make([]interface {
		Await(context.Context) (int, error)
	}, 0, 6)
	for i := range 6 {
		futures = append(futures, pool.Submit(ctx, p, func(ctx context.Context, db *gorm.DB) (int, error) {
			mu.Lock()
			active++
			peak = max(peak, active)
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			return i, nil
		}))
	}
	for i, f := range futures {
		got, err := f.Await(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, got)
	}
	assert.LessOrEqual(t, peak, 2)
}
