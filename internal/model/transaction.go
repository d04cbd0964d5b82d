package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TxType tags what kind of movement a ledger entry records.
type TxType string

const (
	TxTypeP2P        TxType = "p2p"
	TxTypeDeposit    TxType = "deposit"
	TxTypeWithdrawal TxType = "withdrawal"
	TxTypeAutopay    TxType = "autopay"
	TxTypePurchase   TxType = "purchase"
	TxTypeSystem     TxType = "system"
)

// InduceKind is what triggered a ledger entry.
type InduceKind string

const (
	InduceCommand  InduceKind = "command"
	InduceAutopay  InduceKind = "autopay"
	InducePurchase InduceKind = "purchase"
	InduceAdmin    InduceKind = "admin"
	InduceSystem   InduceKind = "system"
)

// Induce is a tagged variant; AutopayID is set only for InduceAutopay.
type Induce struct {
	Kind      InduceKind `gorm:"size:16;not null;default:'command'"`
	AutopayID *uint64
}

func ByCommand() Induce  { return Induce{Kind: InduceCommand} }
func ByPurchase() Induce { return Induce{Kind: InducePurchase} }
func ByAdmin() Induce    { return Induce{Kind: InduceAdmin} }
func BySystem() Induce   { return Induce{Kind: InduceSystem} }

func ByAutopay(id uint64) Induce {
	return Induce{Kind: InduceAutopay, AutopayID: &id}
}

func (i Induce) Valid() bool {
	switch i.Kind {
	case InduceCommand, InducePurchase, InduceAdmin, InduceSystem:
		return i.AutopayID == nil
	case InduceAutopay:
		return i.AutopayID != nil
	}
	return false
}

func (i Induce) String() string {
	if i.Kind == InduceAutopay && i.AutopayID != nil {
		return fmt.Sprintf("autopay #%d", *i.AutopayID)
	}
	return string(i.Kind)
}

// Transaction is one append-only ledger entry. Source and Destination are
// nil for the system/bank side of deposits and withdrawals.
type Transaction struct {
	ID                    uint64              `gorm:"primaryKey"`
	Timestamp             time.Time           `gorm:"not null;index"`
	Type                  TxType              `gorm:"size:32;not null"`
	Induce                Induce              `gorm:"embedded;embeddedPrefix:induce_"`
	Source                *string             `gorm:"size:32;index"`
	Destination           *string             `gorm:"size:32;index"`
	NewSourceBalance      decimal.NullDecimal `gorm:"type:numeric(20,2)"`
	NewDestinationBalance decimal.NullDecimal `gorm:"type:numeric(20,2)"`
	Amount                decimal.Decimal     `gorm:"type:numeric(20,2);not null"`
	Passed                bool                `gorm:"not null;default:false"`
	FailureReason         *string             `gorm:"size:255"`
	Message               *string             `gorm:"size:255"`
}

func (Transaction) TableName() string { return "transactions" }

// TransferRequest is the input to a ledger transfer.
type TransferRequest struct {
	Type        TxType
	Induce      Induce
	Source      *string
	Destination *string
	Amount      decimal.Decimal
	Message     *string
}

// Now returns the ledger clock: UTC truncated to milliseconds.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// StrPtr is a small helper for optional string columns.
func StrPtr(s string) *string { return &s }
