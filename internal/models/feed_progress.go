package models

import "time"

// FeedProgress tracks the last confirmed-healthy timestamp of a feed
// connection. EndTime advances on every heartbeat ack so a crash leaves
// a usable lower bound for gap repair.
type FeedProgress struct {
	Name string `gorm:"primaryKey;type:varchar(64)"`

	StartTime int64 `gorm:"not null"`
	EndTime   int64 `gorm:"not null"`

	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (FeedProgress) TableName() string {
	return "feed_progress"
}
