// Package service is the Balances facade the game side talks to, plus the
// administrative operations.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/richardliu001/coinledger/internal/async"
	"github.com/richardliu001/coinledger/internal/cache"
	"github.com/richardliu001/coinledger/internal/config"
	"github.com/richardliu001/coinledger/internal/ident"
	"github.com/richardliu001/coinledger/internal/ledger"
	"github.com/richardliu001/coinledger/internal/model"
	"github.com/richardliu001/coinledger/internal/store"
)

// mover is implemented by backends that move money without a ledger.
type mover interface {
	Transfer(ctx context.Context, source, destination *string, amount decimal.Decimal) (map[string]*model.Account, error)
}

// BalanceService glues the active backend, the cache and the ledger.
type BalanceService struct {
	backend store.Backend
	cache   *cache.Cache
	ledger  *ledger.Ledger
	log     *zap.SugaredLogger
}

// NewBalanceService returns the facade. l is nil in file mode.
func NewBalanceService(b store.Backend, c *cache.Cache, l *ledger.Ledger, log *zap.SugaredLogger) *BalanceService {
	return &BalanceService{backend: b, cache: c, ledger: l, log: log}
}

func (s *BalanceService) Mode() config.Mode { return s.backend.Mode() }

// Supports reports whether the active backend offers c.
func (s *BalanceService) Supports(c store.Capability) bool {
	if c == store.CapLedger || c == store.CapHistory {
		return s.ledger != nil && s.backend.Supports(c)
	}
	return s.backend.Supports(c)
}

func (s *BalanceService) account(ctx context.Context, uuid string) (*model.Account, error) {
	id, err := ident.Canonical(uuid)
	if err != nil {
		return nil, err
	}
	if acc, ok := s.cache.Get(id); ok {
		return acc, nil
	}
	acc, err := s.backend.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.Put(ctx, acc)
	return acc, nil
}

func (s *BalanceService) GetBalance(ctx context.Context, uuid string) (decimal.Decimal, error) {
	acc, err := s.account(ctx, uuid)
	if err != nil {
		return decimal.Zero, err
	}
	return acc.Balance, nil
}

func (s *BalanceService) GetPendingChange(ctx context.Context, uuid string) (decimal.Decimal, error) {
	acc, err := s.account(ctx, uuid)
	if err != nil {
		return decimal.Zero, err
	}
	return acc.PendingChange, nil
}

func (s *BalanceService) HasAccount(ctx context.Context, uuid string) (bool, error) {
	id, err := ident.Canonical(uuid)
	if err != nil {
		return false, err
	}
	if s.cache.Exists(id) {
		return true, nil
	}
	return s.backend.Exists(ctx, id)
}

// FindUUIDByName resolves a display name case-insensitively.
func (s *BalanceService) FindUUIDByName(ctx context.Context, name string) (string, error) {
	if id, ok := s.cache.FindUUIDByName(name); ok {
		return id, nil
	}
	return s.backend.FindUUIDByName(ctx, name)
}

// write runs a single-account backend mutation and mirrors its result.
func (s *BalanceService) write(ctx context.Context, op, uuid string, fn func(id string) (*model.Account, error)) (*model.Account, error) {
	id, err := ident.Canonical(uuid)
	if err != nil {
		return nil, err
	}
	acc, err := fn(id)
	if err != nil {
		if !errors.Is(err, model.ErrInsufficientFunds) && !errors.Is(err, model.ErrAccountNotFound) {
			s.log.Errorw(op+" failed", "uuid", id, "error", err)
		}
		return nil, err
	}
	s.cache.Put(ctx, acc)
	return acc, nil
}

func nonNegative(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: %s", model.ErrInvalidAmount, amount)
	}
	return wholeCents(amount)
}

func wholeCents(amount decimal.Decimal) error {
	if !model.WholeCents(amount) {
		return fmt.Errorf("%w: %s is finer than a cent", model.ErrInvalidAmount, amount)
	}
	return nil
}

func (s *BalanceService) SetBalance(ctx context.Context, uuid string, amount decimal.Decimal) (*model.Account, error) {
	if err := nonNegative(amount); err != nil {
		return nil, err
	}
	return s.write(ctx, "set balance", uuid, func(id string) (*model.Account, error) {
		return s.backend.SetBalance(ctx, id, amount)
	})
}

func (s *BalanceService) AddBalance(ctx context.Context, uuid string, amount decimal.Decimal) (*model.Account, error) {
	if err := nonNegative(amount); err != nil {
		return nil, err
	}
	return s.write(ctx, "add balance", uuid, func(id string) (*model.Account, error) {
		return s.backend.AddBalance(ctx, id, amount)
	})
}

// SubBalance fails with model.ErrInsufficientFunds instead of going negative.
func (s *BalanceService) SubBalance(ctx context.Context, uuid string, amount decimal.Decimal) (*model.Account, error) {
	if err := nonNegative(amount); err != nil {
		return nil, err
	}
	return s.write(ctx, "sub balance", uuid, func(id string) (*model.Account, error) {
		return s.backend.AddBalance(ctx, id, amount.Neg())
	})
}

// SetPendingChange accepts any sign; the delta is what the owner missed.
func (s *BalanceService) SetPendingChange(ctx context.Context, uuid string, amount decimal.Decimal) (*model.Account, error) {
	if err := wholeCents(amount); err != nil {
		return nil, err
	}
	return s.write(ctx, "set pending change", uuid, func(id string) (*model.Account, error) {
		return s.backend.SetPendingChange(ctx, id, amount)
	})
}

func (s *BalanceService) CreateAccount(ctx context.Context, uuid, name string) (*model.Account, error) {
	return s.write(ctx, "create account", uuid, func(id string) (*model.Account, error) {
		return s.backend.Create(ctx, id, name)
	})
}

func (s *BalanceService) RenameAccount(ctx context.Context, uuid, name string) (*model.Account, error) {
	return s.write(ctx, "rename account", uuid, func(id string) (*model.Account, error) {
		return s.backend.Rename(ctx, id, name)
	})
}

func canonicalSide(id *string) (*string, error) {
	if id == nil {
		return nil, nil
	}
	c, err := ident.Canonical(*id)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Transfer moves money between two accounts, or between one account and the
// bank when a side is nil. In relational mode the ledger records it; in file
// mode the move is atomic but leaves no audit row and the returned
// transaction has no id.
func (s *BalanceService) Transfer(ctx context.Context, req model.TransferRequest) (*model.Transaction, error) {
	var err error
	if req.Source, err = canonicalSide(req.Source); err != nil {
		return nil, err
	}
	if req.Destination, err = canonicalSide(req.Destination); err != nil {
		return nil, err
	}
	if err := ledger.Validate(req); err != nil {
		return nil, err
	}
	if s.ledger != nil {
		return s.ledger.Execute(ctx, req)
	}

	m, ok := s.backend.(mover)
	if !ok {
		return nil, fmt.Errorf("transfer: %w", model.ErrUnsupported)
	}
	moved, err := m.Transfer(ctx, req.Source, req.Destination, req.Amount)
	if err != nil {
		s.log.Infow("transfer rejected", "type", req.Type, "amount", req.Amount, "reason", err)
		return nil, err
	}
	tx := &model.Transaction{
		Timestamp:   model.Now(),
		Type:        req.Type,
		Induce:      req.Induce,
		Source:      req.Source,
		Destination: req.Destination,
		Amount:      req.Amount,
		Passed:      true,
		Message:     req.Message,
	}
	for id, acc := range moved {
		s.cache.Put(ctx, acc)
		if req.Source != nil && *req.Source == id {
			tx.NewSourceBalance = decimal.NewNullDecimal(acc.Balance)
		} else {
			tx.NewDestinationBalance = decimal.NewNullDecimal(acc.Balance)
		}
	}
	return tx, nil
}

// TransferAsync runs Transfer on its own goroutine.
func (s *BalanceService) TransferAsync(ctx context.Context, req model.TransferRequest) *async.Future[*model.Transaction] {
	return async.Go(ctx, func(ctx context.Context) (*model.Transaction, error) {
		return s.Transfer(ctx, req)
	})
}

// History pages through an account's ledger entries, newest first.
func (s *BalanceService) History(ctx context.Context, uuid string, f ledger.Filter, page, pageSize int) (*ledger.HistoryPage, error) {
	if s.ledger == nil {
		return nil, fmt.Errorf("history: %w", model.ErrUnsupported)
	}
	id, err := ident.Canonical(uuid)
	if err != nil {
		return nil, err
	}
	return s.ledger.History(ctx, id, f, page, pageSize)
}
