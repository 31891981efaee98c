package models

import "time"

// Repair interval statuses.
const (
	RepairStatusInit    = 0
	RepairStatusRunning = 1
	RepairStatusDone    = 5
)

// RepairInterval records a window of feed downtime that needs to be
// replayed from the history API. Windows never overlap: a new window's
// start is clamped to the previous window's end + 1.
type RepairInterval struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"`

	StartTime int64 `gorm:"not null;index"`
	EndTime   int64 `gorm:"not null"`

	Status int `gorm:"not null;default:0;index"`

	// SourceAPIKey names the feed credential whose connection dropped.
	SourceAPIKey string `gorm:"type:varchar(128)"`

	// Collections limits the repair to a comma separated slug list.
	// Empty means all watched collections.
	Collections string `gorm:"type:text"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (RepairInterval) TableName() string {
	return "repair_intervals"
}
