package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AssetBestOrder caches the winning listing and offer per asset so reads
// never scan the orders table.
type AssetBestOrder struct {
	AssetID         string `gorm:"primaryKey;type:text"`
	ChainID         int64  `gorm:"not null;index"`
	ContractAddress string `gorm:"type:varchar(42);not null;index"`
	TokenID         string `gorm:"type:numeric(78,0);not null;default:0"`

	BestListingOrderID  *uint64          `gorm:"index"`
	BestListingPerPrice *decimal.Decimal `gorm:"type:numeric(40,18)"`
	BestListingPlatform *int
	BestListingEndTime  *int64
	BestListingSymbol   string `gorm:"type:varchar(20)"`

	BestOfferOrderID  *uint64          `gorm:"index"`
	BestOfferPerPrice *decimal.Decimal `gorm:"type:numeric(40,18)"`
	BestOfferPlatform *int
	BestOfferEndTime  *int64
	BestOfferSymbol   string `gorm:"type:varchar(20)"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (AssetBestOrder) TableName() string {
	return "asset_best_orders"
}
