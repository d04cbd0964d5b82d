package model

import "time"

// Location identifies a block in a world.
type Location struct {
	World string
	X     int
	Y     int
	Z     int
}

// Shop records who owns the shop at a location.
type Shop struct {
	World      string  `gorm:"primaryKey;size:64"`
	X          int     `gorm:"primaryKey;autoIncrement:false"`
	Y          int     `gorm:"primaryKey;autoIncrement:false"`
	Z          int     `gorm:"primaryKey;autoIncrement:false"`
	Owner      string  `gorm:"size:32;not null;index"`
	CoOwner    *string `gorm:"size:32;index"`
	Empty      bool    `gorm:"not null;default:false"`
	EmptySince *time.Time
}

func (Shop) TableName() string { return "shops" }

func (s Shop) Location() Location { return Location{World: s.World, X: s.X, Y: s.Y, Z: s.Z} }

// EmptyShop marks a shop whose stock ran out, kept for owner lookup.
type EmptyShop struct {
	World     string  `gorm:"primaryKey;size:64"`
	X         int     `gorm:"primaryKey;autoIncrement:false"`
	Y         int     `gorm:"primaryKey;autoIncrement:false"`
	Z         int     `gorm:"primaryKey;autoIncrement:false"`
	Owner     string  `gorm:"size:32;not null;index"`
	CoOwner   *string `gorm:"size:32"`
	CreatedAt time.Time
}

func (EmptyShop) TableName() string { return "empty_shops" }

func (e EmptyShop) Location() Location { return Location{World: e.World, X: e.X, Y: e.Y, Z: e.Z} }
