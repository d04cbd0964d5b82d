// Package shop persists shop ownership markers so the game side can look up
// who owns a container. No trading logic lives here.
package shop

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/richardliu001/coinledger/internal/ident"
	"github.com/richardliu001/coinledger/internal/model"
	"github.com/richardliu001/coinledger/internal/pool"
	"github.com/richardliu001/coinledger/internal/retry"
)

type Registry struct {
	pool  *pool.Pool
	retry retry.Policy
	log   *zap.SugaredLogger
}

func New(p *pool.Pool, rp retry.Policy, log *zap.SugaredLogger) *Registry {
	return &Registry{pool: p, retry: rp, log: log}
}

func atLocation(db *gorm.DB, loc model.Location) *gorm.DB {
	return db.Where("world = ? AND x = ? AND y = ? AND z = ?", loc.World, loc.X, loc.Y, loc.Z)
}

func canonicalOwners(owner string, coOwner *string) (string, *string, error) {
	o, err := ident.Canonical(owner)
	if err != nil {
		return "", nil, err
	}
	if coOwner == nil {
		return o, nil, nil
	}
	c, err := ident.Canonical(*coOwner)
	if err != nil {
		return "", nil, err
	}
	return o, &c, nil
}

func (r *Registry) run(ctx context.Context, fn func(db *gorm.DB) error) error {
	return retry.Run(ctx, r.retry, r.log, func(ctx context.Context) error {
		return r.pool.With(ctx, fn)
	})
}

// Put creates or replaces the shop at s's location.
func (r *Registry) Put(ctx context.Context, s model.Shop) error {
	owner, co, err := canonicalOwners(s.Owner, s.CoOwner)
	if err != nil {
		return err
	}
	s.Owner, s.CoOwner = owner, co
	return r.run(ctx, func(db *gorm.DB) error {
		return db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&s).Error
	})
}

func (r *Registry) Get(ctx context.Context, loc model.Location) (*model.Shop, error) {
	var s model.Shop
	err := r.run(ctx, func(db *gorm.DB) error {
		return atLocation(db, loc).Take(&s).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("shop at %v: %w", loc, model.ErrShopNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Registry) Delete(ctx context.Context, loc model.Location) error {
	return r.run(ctx, func(db *gorm.DB) error {
		res := atLocation(db, loc).Delete(&model.Shop{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("shop at %v: %w", loc, model.ErrShopNotFound)
		}
		return nil
	})
}

// ListByOwner returns shops owned or co-owned by uuid.
func (r *Registry) ListByOwner(ctx context.Context, uuid string) ([]model.Shop, error) {
	id, err := ident.Canonical(uuid)
	if err != nil {
		return nil, err
	}
	var shops []model.Shop
	err = r.run(ctx, func(db *gorm.DB) error {
		return db.Where("owner = ? OR co_owner = ?", id, id).
			Order("world, x, y, z").Find(&shops).Error
	})
	return shops, err
}

// MarkEmpty flags a shop as out of stock, or clears the flag.
func (r *Registry) MarkEmpty(ctx context.Context, loc model.Location, empty bool) error {
	updates := map[string]any{"empty": empty, "empty_since": nil}
	if empty {
		now := model.Now()
		updates["empty_since"] = &now
	}
	return r.run(ctx, func(db *gorm.DB) error {
		res := atLocation(db.Model(&model.Shop{}), loc).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("shop at %v: %w", loc, model.ErrShopNotFound)
		}
		return nil
	})
}

func (r *Registry) PutEmpty(ctx context.Context, e model.EmptyShop) error {
	owner, co, err := canonicalOwners(e.Owner, e.CoOwner)
	if err != nil {
		return err
	}
	e.Owner, e.CoOwner = owner, co
	if e.CreatedAt.IsZero() {
		e.CreatedAt = model.Now()
	}
	return r.run(ctx, func(db *gorm.DB) error {
		return db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&e).Error
	})
}

// ListEmpty returns empty-shop markers of owner, or all of them for "".
func (r *Registry) ListEmpty(ctx context.Context, owner string) ([]model.EmptyShop, error) {
	var out []model.EmptyShop
	q := func(db *gorm.DB) *gorm.DB { return db }
	if owner != "" {
		id, err := ident.Canonical(owner)
		if err != nil {
			return nil, err
		}
		q = func(db *gorm.DB) *gorm.DB { return db.Where("owner = ? OR co_owner = ?", id, id) }
	}
	err := r.run(ctx, func(db *gorm.DB) error {
		return q(db).Order("created_at").Find(&out).Error
	})
	return out, err
}

func (r *Registry) DeleteEmpty(ctx context.Context, loc model.Location) error {
	return r.run(ctx, func(db *gorm.DB) error {
		return atLocation(db, loc).Delete(&model.EmptyShop{}).Error
	})
}
