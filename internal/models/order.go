package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	CategoryListing = "listing"
	CategoryOffer   = "offer"
)

// Platform priority ranks order sources at equal price. Lower wins.
const (
	PlatformNative   = 0
	PlatformExternal = 1
)

// Seaport order types. Only open orders are indexed.
const (
	OrderTypeFullOpen    = 0
	OrderTypePartialOpen = 1
)

type Order struct {
	ID              uint64 `gorm:"primaryKey;autoIncrement"`
	Hash            string `gorm:"type:varchar(66);not null;uniqueIndex:uniq_orders_hash_chain"`
	ChainID         int64  `gorm:"not null;uniqueIndex:uniq_orders_hash_chain"`
	ExchangeAddress string `gorm:"type:varchar(42);not null"`
	Category        string `gorm:"type:varchar(10);not null;index"`
	OrderType       int    `gorm:"not null;default:0"`
	Offerer         string `gorm:"type:varchar(42);not null;index"`

	Price          decimal.Decimal `gorm:"type:numeric(40,18);not null"`
	PerPrice       decimal.Decimal `gorm:"type:numeric(40,18);not null"`
	CurrencySymbol string          `gorm:"type:varchar(20)"`

	PlatformPriority int `gorm:"not null;default:1"`

	StartTime int64 `gorm:"not null"`
	EndTime   int64 `gorm:"not null;index"`

	IsFillable  bool `gorm:"not null;default:false;index"`
	IsValidated bool `gorm:"not null;default:false"`
	IsCancelled bool `gorm:"not null;default:false"`

	Salt      string `gorm:"type:text"`
	Signature string `gorm:"type:text"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (Order) TableName() string {
	return "orders"
}

// Fillable reports whether the order can still be filled at the given unix time.
func (o *Order) Fillable(now int64) bool {
	return o.IsFillable && !o.IsCancelled && o.EndTime > now
}
