// Package ledger executes transfers and keeps the append-only audit log.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/richardliu001/coinledger/internal/cache"
	"github.com/richardliu001/coinledger/internal/ident"
	"github.com/richardliu001/coinledger/internal/model"
	"github.com/richardliu001/coinledger/internal/outbox"
	"github.com/richardliu001/coinledger/internal/pool"
	"github.com/richardliu001/coinledger/internal/retry"
	"github.com/richardliu001/coinledger/internal/store/sqlstore"
)

// Ledger runs transfers against the relational backend.
type Ledger struct {
	pool   *pool.Pool
	retry  retry.Policy
	cache  *cache.Cache
	outbox *outbox.Store
	log    *zap.SugaredLogger
}

type Option func(*Ledger)

// WithOutbox writes a transaction.passed event in the same db transaction as
// every successful transfer.
func WithOutbox(s *outbox.Store) Option {
	return func(l *Ledger) { l.outbox = s }
}

func New(p *pool.Pool, rp retry.Policy, c *cache.Cache, log *zap.SugaredLogger, opts ...Option) *Ledger {
	l := &Ledger{pool: p, retry: rp, cache: c, log: log}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Validate checks a request before any I/O.
func Validate(req model.TransferRequest) error {
	if !req.Amount.IsPositive() || !model.WholeCents(req.Amount) {
		return fmt.Errorf("%w: %s", model.ErrInvalidAmount, req.Amount)
	}
	if req.Type == "" || !req.Induce.Valid() {
		return model.ErrInvalidTransfer
	}
	if req.Source == nil && req.Destination == nil {
		return model.ErrInvalidTransfer
	}
	for _, id := range []*string{req.Source, req.Destination} {
		if id != nil && !ident.IsCanonical(*id) {
			return fmt.Errorf("%w: %q", ident.ErrInvalidIdentifier, *id)
		}
	}
	if req.Source != nil && req.Destination != nil && *req.Source == *req.Destination {
		return model.ErrSelfTransfer
	}
	return nil
}

// Hook runs inside a transfer's db transaction after the audit row was
// inserted. An error rolls the whole transfer back.
type Hook func(tx *gorm.DB, row *model.Transaction) error

// Execute debits the source, credits the destination and appends the audit
// row in one db transaction. Rows are locked in ascending uuid order. A
// rejected attempt leaves balances untouched and is recorded afterwards as a
// failed row.
func (l *Ledger) Execute(ctx context.Context, req model.TransferRequest) (*model.Transaction, error) {
	return l.ExecuteWith(ctx, req, nil)
}

// ExecuteWith is Execute with hook committed in the same db transaction.
// hook may run more than once when the transaction is retried.
func (l *Ledger) ExecuteWith(ctx context.Context, req model.TransferRequest, hook Hook) (*model.Transaction, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	var touched []*model.Account
	row, err := retry.Do(ctx, l.retry, l.log, func(ctx context.Context) (*model.Transaction, error) {
		var (
			row *model.Transaction
			err error
		)
		err = l.pool.Tx(ctx, func(tx *gorm.DB) error {
			row, touched, err = l.apply(tx, req, hook)
			return err
		})
		return row, err
	})
	if err != nil {
		if rejected(err) {
			l.log.Infow("transfer rejected", "type", req.Type, "induce", req.Induce.String(),
				"source", deref(req.Source), "destination", deref(req.Destination), "amount", req.Amount, "reason", err)
			l.recordFailure(ctx, req, err)
		} else {
			l.log.Errorw("transfer failed", "type", req.Type, "source", deref(req.Source),
				"destination", deref(req.Destination), "amount", req.Amount, "error", err)
		}
		return nil, err
	}
	if l.cache != nil {
		for _, a := range touched {
			l.cache.Put(ctx, a)
		}
	}
	return row, nil
}

func (l *Ledger) apply(tx *gorm.DB, req model.TransferRequest, hook Hook) (*model.Transaction, []*model.Account, error) {
	var ids []string
	if req.Source != nil {
		ids = append(ids, *req.Source)
	}
	if req.Destination != nil {
		ids = append(ids, *req.Destination)
	}
	locked, err := sqlstore.LockAccounts(tx, ids...)
	if err != nil {
		return nil, nil, err
	}

	row := &model.Transaction{
		Timestamp:   model.Now(),
		Type:        req.Type,
		Induce:      req.Induce,
		Source:      req.Source,
		Destination: req.Destination,
		Amount:      req.Amount,
		Passed:      true,
		Message:     req.Message,
	}
	touched := make([]*model.Account, 0, 2)
	if req.Source != nil {
		src := locked[*req.Source]
		next := src.Balance.Sub(req.Amount)
		if next.IsNegative() {
			return nil, nil, fmt.Errorf("ledger: %s has %s, needs %s: %w",
				src.UUID, src.Balance.StringFixed(2), req.Amount.StringFixed(2), model.ErrInsufficientFunds)
		}
		src.Balance = next
		src.PendingChange = src.PendingChange.Sub(req.Amount)
		row.NewSourceBalance = decimal.NewNullDecimal(next)
		touched = append(touched, src)
	}
	if req.Destination != nil {
		dst := locked[*req.Destination]
		dst.Balance = dst.Balance.Add(req.Amount)
		dst.PendingChange = dst.PendingChange.Add(req.Amount)
		row.NewDestinationBalance = decimal.NewNullDecimal(dst.Balance)
		touched = append(touched, dst)
	}

	for _, a := range touched {
		if err := sqlstore.SaveAccount(tx, a); err != nil {
			return nil, nil, fmt.Errorf("ledger: update %s: %w", a.UUID, err)
		}
	}
	if err := tx.Create(row).Error; err != nil {
		return nil, nil, fmt.Errorf("ledger: insert audit row: %w", err)
	}
	if l.outbox != nil {
		evt, err := outbox.TransactionEvent(row)
		if err != nil {
			return nil, nil, err
		}
		if err := l.outbox.Append(tx, evt); err != nil {
			return nil, nil, fmt.Errorf("ledger: outbox: %w", err)
		}
	}
	if hook != nil {
		if err := hook(tx, row); err != nil {
			return nil, nil, err
		}
	}
	return row, touched, nil
}

// rejected reports business failures worth an audit row.
func rejected(err error) bool {
	return errors.Is(err, model.ErrInsufficientFunds) || errors.Is(err, model.ErrAccountNotFound)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, model.ErrInsufficientFunds):
		return model.ErrInsufficientFunds.Error()
	case errors.Is(err, model.ErrAccountNotFound):
		return model.ErrAccountNotFound.Error()
	}
	return err.Error()
}

// recordFailure appends a passed=false row outside the failed db transaction.
func (l *Ledger) recordFailure(ctx context.Context, req model.TransferRequest, cause error) {
	row := &model.Transaction{
		Timestamp:     model.Now(),
		Type:          req.Type,
		Induce:        req.Induce,
		Source:        req.Source,
		Destination:   req.Destination,
		Amount:        req.Amount,
		Passed:        false,
		FailureReason: model.StrPtr(failureReason(cause)),
		Message:       req.Message,
	}
	err := retry.Run(ctx, l.retry, l.log, func(ctx context.Context) error {
		return l.pool.With(ctx, func(db *gorm.DB) error {
			return db.Create(row).Error
		})
	})
	if err != nil {
		l.log.Errorw("recording failed transfer", "source", deref(req.Source),
			"destination", deref(req.Destination), "error", err)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
