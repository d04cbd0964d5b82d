// Package store defines the backend-agnostic account contract and the
// capabilities each backend advertises.
package store

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/richardliu001/coinledger/internal/config"
	"github.com/richardliu001/coinledger/internal/model"
)

// AccountStore holds canonical account records. Ids passed in are already
// canonical.
type AccountStore interface {
	Get(ctx context.Context, uuid string) (*model.Account, error)
	Put(ctx context.Context, acc *model.Account) error
	Create(ctx context.Context, uuid, name string) (*model.Account, error)
	Exists(ctx context.Context, uuid string) (bool, error)
	ListAll(ctx context.Context) (map[string]*model.Account, error)
	FindUUIDByName(ctx context.Context, name string) (string, error)

	SetBalance(ctx context.Context, uuid string, amount decimal.Decimal) (*model.Account, error)
	// AddBalance applies delta; a result below zero fails with
	// model.ErrInsufficientFunds and changes nothing.
	AddBalance(ctx context.Context, uuid string, delta decimal.Decimal) (*model.Account, error)
	SetPendingChange(ctx context.Context, uuid string, amount decimal.Decimal) (*model.Account, error)
	Rename(ctx context.Context, uuid, name string) (*model.Account, error)
}

// Capability is an advanced feature a backend may lack.
type Capability uint8

const (
	CapLedger Capability = 1 << iota
	CapHistory
	CapRollback
	CapAutopay
	CapMigration
)

func (c Capability) String() string {
	switch c {
	case CapLedger:
		return "ledger"
	case CapHistory:
		return "history"
	case CapRollback:
		return "rollback"
	case CapAutopay:
		return "autopay"
	case CapMigration:
		return "migration"
	}
	return "unknown"
}

// Backend is the storage selected once at startup.
type Backend interface {
	AccountStore
	Mode() config.Mode
	Supports(c Capability) bool
	Close() error
}
