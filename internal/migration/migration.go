// Package migration copies accounts between the file backend and the
// relational backend in batches. Each batch commits on its own; a failed
// batch is logged and the run continues with the next one.
package migration

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/richardliu001/coinledger/internal/ident"
	"github.com/richardliu001/coinledger/internal/model"
	"github.com/richardliu001/coinledger/internal/pool"
	"github.com/richardliu001/coinledger/internal/retry"
	"github.com/richardliu001/coinledger/internal/store/filestore"
	"github.com/richardliu001/coinledger/internal/store/sqlstore"
)

const BatchSize = 100

// ErrPartial means at least one batch failed; the report says how many.
var ErrPartial = errors.New("migration finished with failed batches")

type Direction string

const (
	FileToRelational Direction = "file_to_relational"
	RelationalToFile Direction = "relational_to_file"
)

// Report counts what one run did.
type Report struct {
	Direction     Direction `json:"direction"`
	Scanned       int       `json:"scanned"`
	Inserted      int       `json:"inserted"`
	Updated       int       `json:"updated"`
	Unchanged     int       `json:"unchanged"`
	Skipped       int       `json:"skipped"`
	Batches       int       `json:"batches"`
	FailedBatches int       `json:"failed_batches"`
}

type Engine struct {
	file  *filestore.Store
	pool  *pool.Pool
	sql   *sqlstore.Store
	retry retry.Policy
	log   *zap.SugaredLogger
}

func New(file *filestore.Store, p *pool.Pool, sql *sqlstore.Store, rp retry.Policy, log *zap.SugaredLogger) *Engine {
	return &Engine{file: file, pool: p, sql: sql, retry: rp, log: log}
}

type batchCounts struct{ inserted, updated, unchanged int }

// FileToRelational inserts accounts missing from the database and
// overwrites balance and pending change where they differ.
func (e *Engine) FileToRelational(ctx context.Context) (*Report, error) {
	rep := &Report{Direction: FileToRelational}
	records := e.file.Records()

	keys := make([]string, 0, len(records))
	for k := range records {
		rep.Scanned++
		if !ident.IsCanonical(k) {
			rep.Skipped++
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for start := 0; start < len(keys); start += BatchSize {
		batch := keys[start:min(start+BatchSize, len(keys))]
		n := start/BatchSize + 1
		rep.Batches++

		counts, err := retry.Do(ctx, e.retry, e.log, func(ctx context.Context) (batchCounts, error) {
			var c batchCounts
			err := e.pool.Tx(ctx, func(tx *gorm.DB) error {
				c = batchCounts{}
				for _, id := range batch {
					if err := e.importOne(tx, id, records[id], &c); err != nil {
						return fmt.Errorf("account %s: %w", id, err)
					}
				}
				return nil
			})
			return c, err
		})
		if err != nil {
			rep.FailedBatches++
			e.log.Errorw("file to relational batch failed", "batch", n, "size", len(batch), "error", err)
			continue
		}
		rep.Inserted += counts.inserted
		rep.Updated += counts.updated
		rep.Unchanged += counts.unchanged
	}
	return e.finish(rep)
}

func (e *Engine) importOne(tx *gorm.DB, id string, rec filestore.Record, c *batchCounts) error {
	existing, err := sqlstore.LockAccount(tx, id)
	switch {
	case errors.Is(err, model.ErrAccountNotFound):
		created := rec.Created.UTC()
		if created.IsZero() {
			created = model.Now()
		}
		acc := &model.Account{
			UUID:          id,
			Name:          rec.Name,
			Balance:       rec.Balance.Decimal,
			PendingChange: rec.Change.Decimal,
			CreatedAt:     created,
		}
		if err := e.sql.Upsert(tx, acc); err != nil {
			return err
		}
		c.inserted++
		return nil
	case err != nil:
		return err
	}

	if existing.Balance.Equal(rec.Balance.Decimal) && existing.PendingChange.Equal(rec.Change.Decimal) {
		c.unchanged++
		return nil
	}
	existing.Balance = rec.Balance.Decimal
	existing.PendingChange = rec.Change.Decimal
	if err := sqlstore.SaveAccount(tx, existing); err != nil {
		return err
	}
	c.updated++
	return nil
}

// RelationalToFile pages through accounts and writes changed entries into the
// file once per batch.
func (e *Engine) RelationalToFile(ctx context.Context) (*Report, error) {
	rep := &Report{Direction: RelationalToFile}
	for offset, n := 0, 1; ; offset, n = offset+BatchSize, n+1 {
		accs, err := retry.Do(ctx, e.retry, e.log, func(ctx context.Context) ([]model.Account, error) {
			var accs []model.Account
			err := e.pool.With(ctx, func(db *gorm.DB) error {
				return db.Order("uuid").Limit(BatchSize).Offset(offset).Find(&accs).Error
			})
			return accs, err
		})
		if err != nil {
			// offsets past a failed read cannot be trusted
			e.log.Errorw("relational to file read failed", "batch", n, "offset", offset, "error", err)
			rep.Batches++
			rep.FailedBatches++
			return rep, fmt.Errorf("migration.RelationalToFile: %w", err)
		}
		if len(accs) == 0 {
			break
		}
		rep.Batches++
		rep.Scanned += len(accs)

		current := e.file.Records()
		changed := make(map[string]filestore.Record, len(accs))
		var inserted, updated int
		for _, a := range accs {
			if !ident.IsCanonical(a.UUID) {
				rep.Skipped++
				continue
			}
			rec := filestore.Record{
				Name:    a.Name,
				Balance: filestore.Amount{Decimal: a.Balance},
				Change:  filestore.Amount{Decimal: a.PendingChange},
				Created: a.CreatedAt.UTC(),
			}
			old, ok := current[a.UUID]
			switch {
			case !ok:
				inserted++
			case sameRecord(old, rec):
				rep.Unchanged++
				continue
			default:
				updated++
			}
			changed[a.UUID] = rec
		}
		if len(changed) > 0 {
			if err := e.file.PutBatch(changed); err != nil {
				rep.FailedBatches++
				e.log.Errorw("relational to file write failed", "batch", n, "size", len(changed), "error", err)
			} else {
				rep.Inserted += inserted
				rep.Updated += updated
			}
		}
		if len(accs) < BatchSize {
			break
		}
	}
	return e.finish(rep)
}

func sameRecord(a, b filestore.Record) bool {
	return a.Name == b.Name &&
		a.Balance.Equal(b.Balance.Decimal) &&
		a.Change.Equal(b.Change.Decimal) &&
		a.Created.Equal(b.Created)
}

func (e *Engine) finish(rep *Report) (*Report, error) {
	if rep.Skipped > 0 {
		e.log.Warnw("migration skipped malformed account keys", "direction", rep.Direction, "count", rep.Skipped)
	}
	e.log.Infow("migration finished", "direction", rep.Direction, "scanned", rep.Scanned,
		"inserted", rep.Inserted, "updated", rep.Updated, "unchanged", rep.Unchanged,
		"batches", rep.Batches, "failed_batches", rep.FailedBatches)
	if rep.FailedBatches > 0 {
		return rep, fmt.Errorf("%w: %d of %d", ErrPartial, rep.FailedBatches, rep.Batches)
	}
	return rep, nil
}
