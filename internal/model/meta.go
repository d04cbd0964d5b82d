package model

// Meta is a key/value row; the schema version lives under key "version".
type Meta struct {
	Key   string `gorm:"primaryKey;size:64"`
	Value string `gorm:"size:255;not null"`
}

func (Meta) TableName() string { return "ledger_meta" }
