package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is the canonical record of one player's balance.
type Account struct {
	UUID          string          `gorm:"primaryKey;size:32;column:uuid"`
	Name          string          `gorm:"size:64;not null;default:'';index"`
	Balance       decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0"`
	PendingChange decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0"`
	CreatedAt     time.Time       `gorm:"not null"`
	// Version grows by one with every committed write to the row.
	Version uint64 `gorm:"not null;default:0"`
}

func (Account) TableName() string { return "accounts" }

// Clone returns a copy safe to hand out of shared state.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}
