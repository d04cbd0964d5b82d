package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Autopay is a recurring transfer executed every InverseFrequency ticks.
// TimesLeft of 0 means it runs until cancelled.
type Autopay struct {
	ID               uint64          `gorm:"primaryKey"`
	Name             string          `gorm:"size:64;not null;default:''"`
	Source           *string         `gorm:"size:32;index"`
	Destination      *string         `gorm:"size:32;index"`
	Amount           decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	InverseFrequency int64           `gorm:"not null;default:1"`
	TimesLeft        int64           `gorm:"not null;default:0"`
	Active           bool            `gorm:"not null;default:true"`
	CreatedAt        time.Time       `gorm:"not null;index"`
}

func (Autopay) TableName() string { return "autopays" }
