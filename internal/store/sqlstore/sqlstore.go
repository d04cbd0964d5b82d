// Package sqlstore is the relational Backend. Every call acquires a pooled
// connection and runs under the retry policy.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/richardliu001/coinledger/internal/config"
	"github.com/richardliu001/coinledger/internal/model"
	"github.com/richardliu001/coinledger/internal/pool"
	"github.com/richardliu001/coinledger/internal/retry"
	"github.com/richardliu001/coinledger/internal/schema"
	"github.com/richardliu001/coinledger/internal/store"
)

const listBatch = 500

type Store struct {
	pool   *pool.Pool
	schema *schema.Manager
	retry  retry.Policy
	log    *zap.SugaredLogger
}

var _ store.Backend = (*Store)(nil)

func New(p *pool.Pool, sm *schema.Manager, rp retry.Policy, log *zap.SugaredLogger) *Store {
	return &Store{pool: p, schema: sm, retry: rp, log: log}
}

func (s *Store) Mode() config.Mode { return config.ModeRelational }

func (s *Store) Supports(store.Capability) bool { return true }

func (s *Store) Close() error { return s.pool.Close() }

func (s *Store) Get(ctx context.Context, uuid string) (*model.Account, error) {
	return retry.Do(ctx, s.retry, s.log, func(ctx context.Context) (*model.Account, error) {
		var acc model.Account
		err := s.pool.With(ctx, func(db *gorm.DB) error {
			return db.Where("uuid = ?", uuid).Take(&acc).Error
		})
		if err != nil {
			return nil, notFound("sqlstore.Get", uuid, err)
		}
		return &acc, nil
	})
}

func (s *Store) Exists(ctx context.Context, uuid string) (bool, error) {
	return retry.Do(ctx, s.retry, s.log, func(ctx context.Context) (bool, error) {
		var n int64
		err := s.pool.With(ctx, func(db *gorm.DB) error {
			return db.Model(&model.Account{}).Where("uuid = ?", uuid).Count(&n).Error
		})
		return n > 0, err
	})
}

// ListAll pages through the table to keep individual result sets small.
func (s *Store) ListAll(ctx context.Context) (map[string]*model.Account, error) {
	return retry.Do(ctx, s.retry, s.log, func(ctx context.Context) (map[string]*model.Account, error) {
		out := map[string]*model.Account{}
		err := s.pool.With(ctx, func(db *gorm.DB) error {
			var batch []*model.Account
			return db.FindInBatches(&batch, listBatch, func(*gorm.DB, int) error {
				for _, a := range batch {
					out[a.UUID] = a
				}
				return nil
			}).Error
		})
		return out, err
	})
}

func (s *Store) FindUUIDByName(ctx context.Context, name string) (string, error) {
	return retry.Do(ctx, s.retry, s.log, func(ctx context.Context) (string, error) {
		var ids []string
		err := s.pool.With(ctx, func(db *gorm.DB) error {
			return db.Model(&model.Account{}).
				Where("LOWER(name) = ?", strings.ToLower(name)).
				Order("uuid").Limit(1).Pluck("uuid", &ids).Error
		})
		if err != nil {
			return "", err
		}
		if len(ids) == 0 {
			return "", fmt.Errorf("sqlstore.FindUUIDByName %q: %w", name, model.ErrNameNotFound)
		}
		return ids[0], nil
	})
}

// Put upserts acc and makes sure its history view exists.
func (s *Store) Put(ctx context.Context, acc *model.Account) error {
	return retry.Run(ctx, s.retry, s.log, func(ctx context.Context) error {
		return s.pool.Tx(ctx, func(tx *gorm.DB) error {
			return s.upsert(tx, acc)
		})
	})
}

// Upsert is Put inside a caller-owned db transaction.
func (s *Store) Upsert(tx *gorm.DB, acc *model.Account) error {
	return s.upsert(tx, acc)
}

func (s *Store) upsert(tx *gorm.DB, acc *model.Account) error {
	acc.CreatedAt = acc.CreatedAt.UTC()
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "uuid"}},
		DoUpdates: append(clause.AssignmentColumns([]string{"name", "balance", "pending_change"}),
			clause.Assignment{Column: clause.Column{Name: "version"}, Value: gorm.Expr("accounts.version + 1")}),
	}).Create(acc).Error
	if err != nil {
		return fmt.Errorf("sqlstore.Put %s: %w", acc.UUID, err)
	}
	return s.schema.EnsureAccountView(tx, acc.UUID)
}

func (s *Store) Create(ctx context.Context, uuid, name string) (*model.Account, error) {
	return retry.Do(ctx, s.retry, s.log, func(ctx context.Context) (*model.Account, error) {
		acc := &model.Account{UUID: uuid, Name: name, CreatedAt: model.Now()}
		err := s.pool.Tx(ctx, func(tx *gorm.DB) error {
			var n int64
			if err := tx.Model(&model.Account{}).Where("uuid = ?", uuid).Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				return fmt.Errorf("sqlstore.Create %s: %w", uuid, model.ErrAccountExists)
			}
			if err := tx.Create(acc).Error; err != nil {
				return fmt.Errorf("sqlstore.Create %s: %w", uuid, err)
			}
			return s.schema.EnsureAccountView(tx, uuid)
		})
		if err != nil {
			s.log.Errorw("create account failed", "uuid", uuid, "error", err)
			return nil, err
		}
		return acc, nil
	})
}

func (s *Store) SetBalance(ctx context.Context, uuid string, amount decimal.Decimal) (*model.Account, error) {
	return s.update(ctx, "sqlstore.SetBalance", uuid, func(a *model.Account) error {
		a.Balance = amount
		return nil
	})
}

func (s *Store) AddBalance(ctx context.Context, uuid string, delta decimal.Decimal) (*model.Account, error) {
	return s.update(ctx, "sqlstore.AddBalance", uuid, func(a *model.Account) error {
		next := a.Balance.Add(delta)
		if next.IsNegative() {
			return model.ErrInsufficientFunds
		}
		a.Balance = next
		return nil
	})
}

func (s *Store) SetPendingChange(ctx context.Context, uuid string, amount decimal.Decimal) (*model.Account, error) {
	return s.update(ctx, "sqlstore.SetPendingChange", uuid, func(a *model.Account) error {
		a.PendingChange = amount
		return nil
	})
}

func (s *Store) Rename(ctx context.Context, uuid, name string) (*model.Account, error) {
	return s.update(ctx, "sqlstore.Rename", uuid, func(a *model.Account) error {
		a.Name = name
		return nil
	})
}

// update locks the row, applies fn and writes the mutable columns back.
func (s *Store) update(ctx context.Context, op, uuid string, fn func(a *model.Account) error) (*model.Account, error) {
	return retry.Do(ctx, s.retry, s.log, func(ctx context.Context) (*model.Account, error) {
		var acc *model.Account
		err := s.pool.Tx(ctx, func(tx *gorm.DB) error {
			var err error
			if acc, err = LockAccount(tx, uuid); err != nil {
				return err
			}
			if err := fn(acc); err != nil {
				return err
			}
			return SaveAccount(tx, acc)
		})
		if err != nil {
			if !errors.Is(err, model.ErrAccountNotFound) && !errors.Is(err, model.ErrInsufficientFunds) {
				s.log.Errorw("account update failed", "op", op, "uuid", uuid, "error", err)
			}
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return acc, nil
	})
}

// LockAccount reads one account with a row lock held until tx ends.
func LockAccount(tx *gorm.DB, uuid string) (*model.Account, error) {
	var acc model.Account
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("uuid = ?", uuid).Take(&acc).Error
	if err != nil {
		return nil, notFound("lock", uuid, err)
	}
	return &acc, nil
}

// LockAccounts locks every distinct id in ascending order, so two
// transactions touching the same pair always queue instead of deadlocking.
func LockAccounts(tx *gorm.DB, ids ...string) (map[string]*model.Account, error) {
	uniq := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			uniq = append(uniq, id)
		}
	}
	sort.Strings(uniq)

	out := make(map[string]*model.Account, len(uniq))
	for _, id := range uniq {
		acc, err := LockAccount(tx, id)
		if err != nil {
			return nil, err
		}
		out[id] = acc
	}
	return out, nil
}

// SaveAccount writes name, balance and pending change of a locked row and
// bumps its version.
func SaveAccount(tx *gorm.DB, acc *model.Account) error {
	err := tx.Model(&model.Account{}).Where("uuid = ?", acc.UUID).Updates(map[string]any{
		"name":           acc.Name,
		"balance":        acc.Balance,
		"pending_change": acc.PendingChange,
		"version":        acc.Version + 1,
	}).Error
	if err != nil {
		return err
	}
	acc.Version++
	return nil
}

func notFound(op, uuid string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", op, uuid, model.ErrAccountNotFound)
	}
	return err
}
