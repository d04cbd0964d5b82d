// Package rollback rebuilds account state as of a past instant by reversing
// every later ledger entry and purging records newer than the target.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/richardliu001/coinledger/internal/model"
	"github.com/richardliu001/coinledger/internal/pool"
	"github.com/richardliu001/coinledger/internal/retry"
	"github.com/richardliu001/coinledger/internal/store/sqlstore"
)

const batchSize = 100

// Layouts accepted by ParseTimestamp, always read as UTC.
var Layouts = []string{"2006-01-02 15:04:05.000", "2006-01-02 15:04:05"}

// ParseTimestamp parses the admin-facing timestamp format.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range Layouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q, want %s", model.ErrInvalidTimestamp, s, Layouts[0])
}

type Report struct {
	Target              time.Time `json:"target"`
	NoOp                bool      `json:"no_op"`
	Reverted            int       `json:"reverted"`
	TransactionsDeleted int64     `json:"transactions_deleted"`
	AutopaysDeleted     int64     `json:"autopays_deleted"`
	AccountsClamped     int64     `json:"accounts_clamped"`
	AccountsTouched     int       `json:"accounts_touched"`
}

type Engine struct {
	pool  *pool.Pool
	retry retry.Policy
	log   *zap.SugaredLogger
}

func New(p *pool.Pool, rp retry.Policy, log *zap.SugaredLogger) *Engine {
	return &Engine{pool: p, retry: rp, log: log}
}

// Rollback parses ts and calls RollbackTo.
func (e *Engine) Rollback(ctx context.Context, ts string) (*Report, error) {
	target, err := ParseTimestamp(ts)
	if err != nil {
		return nil, err
	}
	return e.RollbackTo(ctx, target)
}

// RollbackTo runs the whole reconstruction in one db transaction. Without a
// passed entry after target it changes nothing.
func (e *Engine) RollbackTo(ctx context.Context, target time.Time) (*Report, error) {
	target = target.UTC()
	rep, err := retry.Do(ctx, e.retry, e.log, func(ctx context.Context) (*Report, error) {
		rep := &Report{Target: target}
		err := e.pool.Tx(ctx, func(tx *gorm.DB) error {
			return e.run(tx, target, rep)
		})
		return rep, err
	})
	if err != nil {
		e.log.Errorw("rollback failed", "target", target, "error", err)
		return nil, fmt.Errorf("rollback.RollbackTo: %w", err)
	}
	if rep.NoOp {
		e.log.Infow("rollback is a no-op, nothing passed after target", "target", target)
	} else {
		e.log.Infow("rollback finished", "target", target, "reverted", rep.Reverted,
			"transactions_deleted", rep.TransactionsDeleted, "autopays_deleted", rep.AutopaysDeleted,
			"accounts_clamped", rep.AccountsClamped, "accounts_touched", rep.AccountsTouched)
	}
	return rep, nil
}

func (e *Engine) run(tx *gorm.DB, target time.Time, rep *Report) error {
	var later int64
	if err := tx.Model(&model.Transaction{}).
		Where("passed = ? AND timestamp > ?", true, target).Count(&later).Error; err != nil {
		return err
	}
	if later == 0 {
		rep.NoOp = true
		return nil
	}

	deltas, n, err := collectDeltas(tx, target)
	if err != nil {
		return err
	}
	rep.Reverted = n

	ids := make([]string, 0, len(deltas))
	for id := range deltas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		acc, err := sqlstore.LockAccount(tx, id)
		if errors.Is(err, model.ErrAccountNotFound) {
			e.log.Warnw("rollback skips entries of a missing account", "uuid", id)
			continue
		}
		if err != nil {
			return err
		}
		acc.Balance = acc.Balance.Add(deltas[id])
		acc.PendingChange = acc.PendingChange.Add(deltas[id])
		if acc.Balance.IsNegative() {
			e.log.Warnw("rollback leaves a negative balance; it was changed outside the ledger",
				"uuid", id, "balance", acc.Balance)
		}
		if err := sqlstore.SaveAccount(tx, acc); err != nil {
			return err
		}
		rep.AccountsTouched++
	}

	res := tx.Where("timestamp > ?", target).Delete(&model.Transaction{})
	if res.Error != nil {
		return res.Error
	}
	rep.TransactionsDeleted = res.RowsAffected

	res = tx.Where("created_at > ?", target).Delete(&model.Autopay{})
	if res.Error != nil {
		return res.Error
	}
	rep.AutopaysDeleted = res.RowsAffected

	res = tx.Model(&model.Account{}).Where("created_at > ?", target).Update("created_at", target)
	if res.Error != nil {
		return res.Error
	}
	rep.AccountsClamped = res.RowsAffected
	return nil
}

// collectDeltas walks passed entries after target by id, each exactly once,
// and sums the reversal per account.
func collectDeltas(tx *gorm.DB, target time.Time) (map[string]decimal.Decimal, int, error) {
	deltas := map[string]decimal.Decimal{}
	var lastID uint64
	n := 0
	for {
		var rows []model.Transaction
		err := tx.Where("passed = ? AND timestamp > ? AND id > ?", true, target, lastID).
			Order("id").Limit(batchSize).Find(&rows).Error
		if err != nil {
			return nil, 0, err
		}
		for _, r := range rows {
			if r.Source != nil {
				deltas[*r.Source] = deltas[*r.Source].Add(r.Amount)
			}
			if r.Destination != nil {
				deltas[*r.Destination] = deltas[*r.Destination].Sub(r.Amount)
			}
			lastID = r.ID
			n++
		}
		if len(rows) < batchSize {
			return deltas, n, nil
		}
	}
}
