package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Order event kinds recorded in the activity log.
const (
	EventList     = "list"
	EventCancel   = "cancel"
	EventSale     = "sale"
	EventTransfer = "transfer"
)

// OrderEvent is one row of the activity log. Replayed history events are
// deduplicated on (hash, tx_hash, chain_id, kind) before insert.
type OrderEvent struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"`

	Kind    string `gorm:"type:varchar(10);not null;index:idx_order_events_dedup"`
	Hash    string `gorm:"type:varchar(66);not null;index:idx_order_events_dedup"`
	TxHash  string `gorm:"type:varchar(66);not null;default:'';index:idx_order_events_dedup"`
	ChainID int64  `gorm:"not null;index:idx_order_events_dedup"`

	ContractAddress string          `gorm:"type:varchar(42);not null;index"`
	TokenID         string          `gorm:"type:numeric(78,0);not null;default:0"`
	Amount          decimal.Decimal `gorm:"type:numeric(78,0);not null;default:0"`

	Price          decimal.Decimal `gorm:"type:numeric(40,18);not null;default:0"`
	CurrencySymbol string          `gorm:"type:varchar(20)"`

	FromAddress string `gorm:"type:varchar(42)"`
	ToAddress   string `gorm:"type:varchar(42)"`

	EventTime int64 `gorm:"not null;index"`

	// Payload keeps the raw feed payload for debugging replays.
	Payload datatypes.JSON `gorm:"type:jsonb"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
}

func (OrderEvent) TableName() string {
	return "order_events"
}
