package db

import (
	"aggregator/internal/models"
)

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil || db.SQL == nil {
		return nil
	}

	return db.Gorm.AutoMigrate(
		&models.WatchedCollection{},
		&models.Currency{},
		&models.Order{},
		&models.OrderAsset{},
		&models.AssetBestOrder{},
		&models.CollectionRollup{},
		&models.RepairInterval{},
		&models.FeedProgress{},
		&models.OrderEvent{},
	)
}
