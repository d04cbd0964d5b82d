// Package app builds every component once from the configuration and owns
// their lifetime.
package app

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/richardliu001/coinledger/internal/autopay"
	"github.com/richardliu001/coinledger/internal/cache"
	"github.com/richardliu001/coinledger/internal/config"
	"github.com/richardliu001/coinledger/internal/export"
	"github.com/richardliu001/coinledger/internal/ledger"
	"github.com/richardliu001/coinledger/internal/migration"
	"github.com/richardliu001/coinledger/internal/outbox"
	"github.com/richardliu001/coinledger/internal/pool"
	"github.com/richardliu001/coinledger/internal/retry"
	"github.com/richardliu001/coinledger/internal/rollback"
	"github.com/richardliu001/coinledger/internal/schema"
	"github.com/richardliu001/coinledger/internal/service"
	"github.com/richardliu001/coinledger/internal/shop"
	"github.com/richardliu001/coinledger/internal/store"
	"github.com/richardliu001/coinledger/internal/store/filestore"
	"github.com/richardliu001/coinledger/internal/store/sqlstore"
)

// App is the application context. Fields for features the configuration
// cannot support stay nil.
type App struct {
	Config  *config.Config
	Log     *zap.SugaredLogger
	Retry   retry.Policy
	Pool    *pool.Pool
	Schema  *schema.Manager
	SQL     *sqlstore.Store
	File    *filestore.Store
	Backend store.Backend
	Redis   *redis.Client
	Cache   *cache.Cache
	Ledger  *ledger.Ledger
	Outbox  *outbox.Store

	Balances *service.BalanceService
	Admin    *service.AdminService
	Autopay  *autopay.Service
	Shops    *shop.Registry
}

// New opens the backends, upgrades the schema and loads the cache.
func New(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (*App, error) {
	a := &App{Config: cfg, Log: log, Retry: retry.FromConfig(cfg.Retry)}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	log.Infow("ledger ready", "mode", cfg.Storage.Mode, "accounts", a.Cache.Len(),
		"database", a.Pool != nil, "redis", a.Redis != nil, "outbox", a.Outbox != nil)
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg, log := a.Config, a.Log

	file, err := filestore.Open(cfg.Storage.FilePath, log)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.File = file

	if cfg.HasDatabase() {
		if a.Pool, err = pool.Open(cfg.Database, log); err != nil {
			return fmt.Errorf("app: %w", err)
		}
		a.Schema = schema.New(a.Pool, a.Retry, log)
		if err := a.Schema.Ensure(ctx); err != nil {
			return fmt.Errorf("app: %w", err)
		}
		a.SQL = sqlstore.New(a.Pool, a.Schema, a.Retry, log)
	}

	switch cfg.Storage.Mode {
	case config.ModeRelational:
		if a.SQL == nil {
			return fmt.Errorf("app: relational mode without a database")
		}
		a.Backend = a.SQL
	default:
		a.Backend = a.File
	}

	var mirror cache.Mirror
	if cfg.Redis.Addr != "" {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			log.Warnw("redis unreachable, balance mirror disabled", "addr", cfg.Redis.Addr, "error", err)
			_ = a.Redis.Close()
			a.Redis = nil
		} else {
			mirror = cache.NewRedisMirror(a.Redis, cfg.Redis.TTL)
		}
	}
	a.Cache = cache.New(mirror, log)
	if err := a.Cache.Load(ctx, a.Backend); err != nil {
		return fmt.Errorf("app: %w", err)
	}

	var (
		mig *migration.Engine
		rb  *rollback.Engine
		exp *export.Engine
	)
	if a.SQL != nil {
		mig = migration.New(a.File, a.Pool, a.SQL, a.Retry, log)
	}
	if a.Backend.Supports(store.CapLedger) {
		var opts []ledger.Option
		if len(cfg.Kafka.Brokers) > 0 {
			a.Outbox = outbox.NewStore(a.Pool, a.Retry, log)
			opts = append(opts, ledger.WithOutbox(a.Outbox))
		}
		a.Ledger = ledger.New(a.Pool, a.Retry, a.Cache, log, opts...)
		rb = rollback.New(a.Pool, a.Retry, log)
		exp = export.New(a.Pool, a.Retry, log)
		a.Autopay = autopay.New(a.Pool, a.Retry, a.Ledger, log)
		a.Shops = shop.New(a.Pool, a.Retry, log)
	}

	a.Balances = service.NewBalanceService(a.Backend, a.Cache, a.Ledger, log)
	a.Admin = service.NewAdminService(a.Backend, a.Cache, mig, rb, exp, log)
	return nil
}

// Close releases the database pool and the redis client.
func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Log.Warnw("close redis", "error", err)
		}
	}
	if a.Pool != nil {
		if err := a.Pool.Close(); err != nil {
			a.Log.Warnw("close database", "error", err)
		}
	}
}
