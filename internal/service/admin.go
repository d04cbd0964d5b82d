package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/richardliu001/coinledger/internal/cache"
	"github.com/richardliu001/coinledger/internal/export"
	"github.com/richardliu001/coinledger/internal/migration"
	"github.com/richardliu001/coinledger/internal/model"
	"github.com/richardliu001/coinledger/internal/rollback"
)

// AdminService runs the administrative operations. Any engine may be nil
// when the configuration cannot support it.
type AdminService struct {
	active    cache.Source
	cache     *cache.Cache
	migration *migration.Engine
	rollback  *rollback.Engine
	export    *export.Engine
	log       *zap.SugaredLogger
}

func NewAdminService(active cache.Source, c *cache.Cache, m *migration.Engine, r *rollback.Engine, e *export.Engine, log *zap.SugaredLogger) *AdminService {
	return &AdminService{active: active, cache: c, migration: m, rollback: r, export: e, log: log}
}

// refresh reloads the cache; a failure leaves the old contents and is logged.
func (a *AdminService) refresh(ctx context.Context, op string) {
	if err := a.cache.Load(ctx, a.active); err != nil {
		a.log.Errorw("cache refresh failed", "op", op, "error", err)
	}
}

func (a *AdminService) MigrateFileToRelational(ctx context.Context) (*migration.Report, error) {
	if a.migration == nil {
		return nil, fmt.Errorf("migrate: %w", model.ErrUnsupported)
	}
	rep, err := a.migration.FileToRelational(ctx)
	a.refresh(ctx, "migrate file->relational")
	return rep, err
}

func (a *AdminService) MigrateRelationalToFile(ctx context.Context) (*migration.Report, error) {
	if a.migration == nil {
		return nil, fmt.Errorf("migrate: %w", model.ErrUnsupported)
	}
	rep, err := a.migration.RelationalToFile(ctx)
	a.refresh(ctx, "migrate relational->file")
	return rep, err
}

func (a *AdminService) ExportAll(ctx context.Context, path string) (*export.Report, error) {
	if a.export == nil {
		return nil, fmt.Errorf("export: %w", model.ErrUnsupported)
	}
	return a.export.ExportAll(ctx, path)
}

// Rollback reverts every passed transaction after ts and refreshes the cache.
func (a *AdminService) Rollback(ctx context.Context, ts string) (*rollback.Report, error) {
	if a.rollback == nil {
		return nil, fmt.Errorf("rollback: %w", model.ErrUnsupported)
	}
	rep, err := a.rollback.Rollback(ctx, ts)
	if err != nil {
		return nil, err
	}
	if !rep.NoOp {
		a.refresh(ctx, "rollback")
	}
	return rep, nil
}
