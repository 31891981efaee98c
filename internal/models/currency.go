package models

import "time"

// Currency is a payment token the normalizer accepts. Orders priced in
// anything else are skipped.
type Currency struct {
	ID      uint64 `gorm:"primaryKey;autoIncrement"`
	ChainID int64  `gorm:"not null;uniqueIndex:uniq_currencies_chain_addr"`
	Address string `gorm:"type:varchar(42);not null;uniqueIndex:uniq_currencies_chain_addr"`

	Symbol   string `gorm:"type:varchar(20);not null"`
	Decimals int    `gorm:"not null;default:18"`
	IsNative bool   `gorm:"not null;default:false"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (Currency) TableName() string {
	return "currencies"
}
