package models

import "time"

// CollectionRollup keeps per-collection live order counts. Counts are
// seeded from a full query and then maintained by deltas.
type CollectionRollup struct {
	ChainID         int64  `gorm:"primaryKey;autoIncrement:false"`
	ContractAddress string `gorm:"primaryKey;type:varchar(42)"`

	TotalListing int64 `gorm:"not null;default:0"`
	TotalOffer   int64 `gorm:"not null;default:0"`

	SeededAt  *time.Time `gorm:"type:timestamptz"`
	CreatedAt time.Time  `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time  `gorm:"type:timestamptz;autoUpdateTime"`
}

func (CollectionRollup) TableName() string {
	return "collection_rollups"
}
