package models

import "time"

// WatchedCollection is a collection the aggregator subscribes to on the
// realtime feed and indexes orders for.
type WatchedCollection struct {
	ID   uint64 `gorm:"primaryKey;autoIncrement"`
	Slug string `gorm:"type:varchar(128);not null;uniqueIndex"`

	ChainID         int64  `gorm:"not null;index"`
	ContractAddress string `gorm:"type:varchar(42);not null;index"`

	Selected bool `gorm:"not null;default:true;index"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (WatchedCollection) TableName() string {
	return "watched_collections"
}
