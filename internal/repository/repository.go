package repository

import (
	"context"

	"gorm.io/gorm"

	"aggregator/internal/models"
)

// BestCandidate is one row of a best-order scan: the order joined with
// the NFT leg that binds it to the asset.
type BestCandidate struct {
	Order models.Order
	Asset models.OrderAsset
}

// RollupDelta adjusts a collection's live order counters.
type RollupDelta struct {
	ChainID         int64
	ContractAddress string
	Listing         int64
	Offer           int64
}

type Repository interface {
	InTx(ctx context.Context, fn func(tx *gorm.DB) error) error

	// Orders.
	UpsertOrderTx(ctx context.Context, tx *gorm.DB, order *models.Order, assets []models.OrderAsset) error
	GetOrderByHash(ctx context.Context, chainID int64, hash string) (*models.Order, error)
	GetOrderAssets(ctx context.Context, orderID uint64) ([]models.OrderAsset, error)
	UpdateOrderFillable(ctx context.Context, orderID uint64, fillable bool) error
	UpdateOrderCancelledTx(ctx context.Context, tx *gorm.DB, orderID uint64) error
	UpdateOrderAvailableAmount(ctx context.Context, assetRowID uint64, amount string) error
	ListFillableCandidates(ctx context.Context, assetID, category string) ([]BestCandidate, error)
	ListOrdersByOfferer(ctx context.Context, chainID int64, offerer, token string, fillableOnly bool) ([]BestCandidate, error)
	ListFillableOrdersByContract(ctx context.Context, chainID int64, contract string) ([]BestCandidate, error)
	ListStaleFillableOrders(ctx context.Context, olderThanUnix int64, limit int) ([]BestCandidate, error)
	DisableContractOrders(ctx context.Context, chainID int64, contract string) (int64, error)

	// Best-order cache.
	GetAssetBestOrder(ctx context.Context, assetID string) (*models.AssetBestOrder, error)
	UpsertAssetBestOrder(ctx context.Context, item *models.AssetBestOrder) error

	// Collection rollups.
	GetCollectionRollup(ctx context.Context, chainID int64, contract string) (*models.CollectionRollup, error)
	SeedCollectionRollup(ctx context.Context, chainID int64, contract string) error
	BumpCollectionRollupTx(ctx context.Context, tx *gorm.DB, delta RollupDelta) error
	ListCollectionRollups(ctx context.Context) ([]models.CollectionRollup, error)

	// Repair intervals.
	CreateRepairInterval(ctx context.Context, item *models.RepairInterval) error
	LatestRepairInterval(ctx context.Context) (*models.RepairInterval, error)
	OldestOpenRepairInterval(ctx context.Context) (*models.RepairInterval, error)
	UpdateRepairIntervalStatus(ctx context.Context, id uint64, status int) error

	// Feed progress.
	GetFeedProgress(ctx context.Context, name string) (*models.FeedProgress, error)
	UpsertFeedProgress(ctx context.Context, item *models.FeedProgress) error

	// Watched collections.
	ListWatchedCollections(ctx context.Context, selectedOnly bool) ([]models.WatchedCollection, error)
	GetWatchedCollectionBySlug(ctx context.Context, slug string) (*models.WatchedCollection, error)
	GetWatchedCollectionByContract(ctx context.Context, chainID int64, contract string) (*models.WatchedCollection, error)
	UpsertWatchedCollection(ctx context.Context, item *models.WatchedCollection) error

	// Currencies.
	ListCurrencies(ctx context.Context, chainID int64) ([]models.Currency, error)
	GetCurrencyByAddress(ctx context.Context, chainID int64, address string) (*models.Currency, error)

	// Activity log.
	InsertOrderEvent(ctx context.Context, item *models.OrderEvent) error
	OrderEventExists(ctx context.Context, kind, hash, txHash string, chainID int64) (bool, error)
	HasSaleEvent(ctx context.Context, chainID int64, hash string) (bool, error)
}
