package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Seaport item sides.
const (
	SideOffer         = 0
	SideConsideration = 1
)

// Seaport item types.
const (
	ItemTypeNative          = 0
	ItemTypeERC20           = 1
	ItemTypeERC721          = 2
	ItemTypeERC1155         = 3
	ItemTypeERC721Criteria  = 4
	ItemTypeERC1155Criteria = 5
)

type OrderAsset struct {
	ID      uint64 `gorm:"primaryKey;autoIncrement"`
	OrderID uint64 `gorm:"not null;index"`

	// AssetID is set for concrete NFT legs and empty for currency legs
	// and criteria (collection-wide) legs.
	AssetID string `gorm:"type:text;index"`

	Side     int `gorm:"not null"`
	ItemType int `gorm:"not null"`

	ChainID              int64  `gorm:"not null"`
	Token                string `gorm:"type:varchar(42);not null;index"`
	IdentifierOrCriteria string `gorm:"type:numeric(78,0);not null;default:0"`

	StartAmount     decimal.Decimal `gorm:"type:numeric(78,0);not null"`
	EndAmount       decimal.Decimal `gorm:"type:numeric(78,0);not null"`
	AvailableAmount decimal.Decimal `gorm:"type:numeric(78,0);not null"`

	Recipient string `gorm:"type:varchar(42)"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (OrderAsset) TableName() string {
	return "order_assets"
}

// IsNFT reports whether the item type carries an NFT.
func (a *OrderAsset) IsNFT() bool {
	switch a.ItemType {
	case ItemTypeERC721, ItemTypeERC1155, ItemTypeERC721Criteria, ItemTypeERC1155Criteria:
		return true
	}
	return false
}

// IsERC1155 reports whether the item is a semi-fungible token.
func (a *OrderAsset) IsERC1155() bool {
	return a.ItemType == ItemTypeERC1155 || a.ItemType == ItemTypeERC1155Criteria
}

// AssetKey builds the canonical asset identifier for a concrete token.
func AssetKey(chainID int64, token, tokenID string) string {
	return fmt.Sprintf("%d:%s:%s", chainID, strings.ToLower(token), tokenID)
}
