package gormrepository

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"aggregator/internal/models"
	"aggregator/internal/repository"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

// --- orders -----------------------------------------------------------------

func (s *Store) UpsertOrderTx(ctx context.Context, tx *gorm.DB, order *models.Order, assets []models.OrderAsset) error {
	if s == nil || s.db == nil || order == nil {
		return nil
	}
	if tx == nil {
		tx = s.db.WithContext(ctx)
	}
	if err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "hash"}, {Name: "chain_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"exchange_address",
			"category",
			"order_type",
			"offerer",
			"price",
			"per_price",
			"currency_symbol",
			"platform_priority",
			"start_time",
			"end_time",
			"is_fillable",
			"is_validated",
			"is_cancelled",
			"salt",
			"signature",
			"updated_at",
		}),
	}).Create(order).Error; err != nil {
		return err
	}
	if order.ID == 0 {
		var existing models.Order
		if err := tx.Where("hash = ? AND chain_id = ?", order.Hash, order.ChainID).
			First(&existing).Error; err != nil {
			return err
		}
		order.ID = existing.ID
	}
	var prior []models.OrderAsset
	if err := tx.Where("order_id = ?", order.ID).
		Find(&prior).Error; err != nil {
		return err
	}
	if err := tx.Where("order_id = ?", order.ID).
		Delete(&models.OrderAsset{}).Error; err != nil {
		return err
	}
	if len(assets) == 0 {
		return nil
	}
	for i := range assets {
		assets[i].ID = 0
		assets[i].OrderID = order.ID
		// A replayed order may already carry a partial fill; keep the
		// remaining amount recorded by the validity check instead of
		// resetting it to the full start amount.
		if p := matchingAssetLeg(prior, &assets[i]); p != nil && p.StartAmount.Equal(assets[i].StartAmount) {
			assets[i].AvailableAmount = p.AvailableAmount
		}
	}
	return tx.Create(&assets).Error
}

func matchingAssetLeg(prior []models.OrderAsset, leg *models.OrderAsset) *models.OrderAsset {
	for i := range prior {
		p := &prior[i]
		if p.Side == leg.Side && p.ItemType == leg.ItemType &&
			p.Token == leg.Token && p.IdentifierOrCriteria == leg.IdentifierOrCriteria {
			return p
		}
	}
	return nil
}

func (s *Store) GetOrderByHash(ctx context.Context, chainID int64, hash string) (*models.Order, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.Order
	err := s.db.WithContext(ctx).
		Where("hash = ? AND chain_id = ?", strings.ToLower(hash), chainID).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) GetOrderAssets(ctx context.Context, orderID uint64) ([]models.OrderAsset, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.OrderAsset
	if err := s.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("side asc, id asc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) UpdateOrderFillable(ctx context.Context, orderID uint64, fillable bool) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ?", orderID).
		Updates(map[string]interface{}{
			"is_fillable": fillable,
			"updated_at":  time.Now().UTC(),
		}).Error
}

func (s *Store) UpdateOrderCancelledTx(ctx context.Context, tx *gorm.DB, orderID uint64) error {
	if s == nil || s.db == nil {
		return nil
	}
	if tx == nil {
		tx = s.db.WithContext(ctx)
	}
	return tx.
		Model(&models.Order{}).
		Where("id = ?", orderID).
		Updates(map[string]interface{}{
			"is_fillable":  false,
			"is_cancelled": true,
			"updated_at":   time.Now().UTC(),
		}).Error
}

func (s *Store) UpdateOrderAvailableAmount(ctx context.Context, assetRowID uint64, amount string) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&models.OrderAsset{}).
		Where("id = ?", assetRowID).
		Updates(map[string]interface{}{
			"available_amount": amount,
			"updated_at":       time.Now().UTC(),
		}).Error
}

func (s *Store) ListFillableCandidates(ctx context.Context, assetID, category string) ([]repository.BestCandidate, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var assets []models.OrderAsset
	if err := s.db.WithContext(ctx).
		Where("asset_id = ?", assetID).
		Find(&assets).Error; err != nil {
		return nil, err
	}
	if len(assets) == 0 {
		return nil, nil
	}
	assetByOrder := make(map[uint64]models.OrderAsset, len(assets))
	orderIDs := make([]uint64, 0, len(assets))
	for _, a := range assets {
		if _, ok := assetByOrder[a.OrderID]; ok {
			continue
		}
		assetByOrder[a.OrderID] = a
		orderIDs = append(orderIDs, a.OrderID)
	}
	var orders []models.Order
	if err := s.db.WithContext(ctx).
		Where("id IN ?", orderIDs).
		Where("category = ?", category).
		Where("is_fillable = ?", true).
		Where("is_cancelled = ?", false).
		Where("end_time > ?", time.Now().Unix()).
		Find(&orders).Error; err != nil {
		return nil, err
	}
	items := make([]repository.BestCandidate, 0, len(orders))
	for _, o := range orders {
		items = append(items, repository.BestCandidate{Order: o, Asset: assetByOrder[o.ID]})
	}
	return items, nil
}

func (s *Store) ListOrdersByOfferer(ctx context.Context, chainID int64, offerer, token string, fillableOnly bool) ([]repository.BestCandidate, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("chain_id = ?", chainID).
		Where("offerer = ?", strings.ToLower(offerer))
	if strings.TrimSpace(token) != "" {
		query = query.Where(
			"id IN (?)",
			s.db.Model(&models.OrderAsset{}).
				Select("order_id").
				Where("chain_id = ? AND token = ?", chainID, strings.ToLower(token)),
		)
	}
	if fillableOnly {
		query = query.
			Where("is_fillable = ?", true).
			Where("is_cancelled = ?", false).
			Where("end_time > ?", time.Now().Unix())
	}
	var orders []models.Order
	if err := query.Find(&orders).Error; err != nil {
		return nil, err
	}
	return s.attachNFTLegs(ctx, orders)
}

func (s *Store) ListFillableOrdersByContract(ctx context.Context, chainID int64, contract string) ([]repository.BestCandidate, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var orders []models.Order
	if err := s.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("chain_id = ?", chainID).
		Where("is_fillable = ?", true).
		Where("is_cancelled = ?", false).
		Where("end_time > ?", time.Now().Unix()).
		Where(
			"id IN (?)",
			s.db.Model(&models.OrderAsset{}).
				Select("order_id").
				Where("chain_id = ? AND token = ?", chainID, strings.ToLower(contract)),
		).
		Find(&orders).Error; err != nil {
		return nil, err
	}
	return s.attachNFTLegs(ctx, orders)
}

func (s *Store) ListStaleFillableOrders(ctx context.Context, olderThanUnix int64, limit int) ([]repository.BestCandidate, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	var orders []models.Order
	if err := s.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("is_fillable = ?", true).
		Where("is_cancelled = ?", false).
		Where("end_time > ?", time.Now().Unix()).
		Where("updated_at < ?", time.Unix(olderThanUnix, 0).UTC()).
		Order("updated_at asc").
		Limit(limit).
		Find(&orders).Error; err != nil {
		return nil, err
	}
	return s.attachNFTLegs(ctx, orders)
}

func (s *Store) DisableContractOrders(ctx context.Context, chainID int64, contract string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("chain_id = ?", chainID).
		Where("is_fillable = ?", true).
		Where(
			"id IN (?)",
			s.db.Model(&models.OrderAsset{}).
				Select("order_id").
				Where("chain_id = ? AND token = ?", chainID, strings.ToLower(contract)),
		).
		Updates(map[string]interface{}{
			"is_fillable": false,
			"updated_at":  time.Now().UTC(),
		})
	return res.RowsAffected, res.Error
}

func (s *Store) attachNFTLegs(ctx context.Context, orders []models.Order) ([]repository.BestCandidate, error) {
	if len(orders) == 0 {
		return nil, nil
	}
	orderIDs := make([]uint64, 0, len(orders))
	for _, o := range orders {
		orderIDs = append(orderIDs, o.ID)
	}
	var assets []models.OrderAsset
	if err := s.db.WithContext(ctx).
		Where("order_id IN ?", orderIDs).
		Order("id asc").
		Find(&assets).Error; err != nil {
		return nil, err
	}
	legByOrder := make(map[uint64]models.OrderAsset, len(orders))
	for _, a := range assets {
		if !a.IsNFT() {
			continue
		}
		if _, ok := legByOrder[a.OrderID]; ok {
			continue
		}
		legByOrder[a.OrderID] = a
	}
	items := make([]repository.BestCandidate, 0, len(orders))
	for _, o := range orders {
		items = append(items, repository.BestCandidate{Order: o, Asset: legByOrder[o.ID]})
	}
	return items, nil
}

// --- best-order cache -------------------------------------------------------

func (s *Store) GetAssetBestOrder(ctx context.Context, assetID string) (*models.AssetBestOrder, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.AssetBestOrder
	err := s.db.WithContext(ctx).
		Where("asset_id = ?", assetID).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) UpsertAssetBestOrder(ctx context.Context, item *models.AssetBestOrder) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "asset_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"best_listing_order_id",
			"best_listing_per_price",
			"best_listing_platform",
			"best_listing_end_time",
			"best_listing_symbol",
			"best_offer_order_id",
			"best_offer_per_price",
			"best_offer_platform",
			"best_offer_end_time",
			"best_offer_symbol",
			"updated_at",
		}),
	}).Create(item).Error
}

// --- collection rollups -----------------------------------------------------

func (s *Store) GetCollectionRollup(ctx context.Context, chainID int64, contract string) (*models.CollectionRollup, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.CollectionRollup
	err := s.db.WithContext(ctx).
		Where("chain_id = ? AND contract_address = ?", chainID, strings.ToLower(contract)).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) SeedCollectionRollup(ctx context.Context, chainID int64, contract string) error {
	if s == nil || s.db == nil {
		return nil
	}
	contract = strings.ToLower(contract)
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		count := func(category string) (int64, error) {
			var n int64
			err := tx.Model(&models.Order{}).
				Where("chain_id = ?", chainID).
				Where("category = ?", category).
				Where("is_fillable = ?", true).
				Where("is_cancelled = ?", false).
				Where("end_time > ?", now.Unix()).
				Where(
					"id IN (?)",
					tx.Session(&gorm.Session{NewDB: true}).
						Model(&models.OrderAsset{}).
						Select("order_id").
						Where("chain_id = ? AND token = ?", chainID, contract),
				).
				Count(&n).Error
			return n, err
		}
		listings, err := count(models.CategoryListing)
		if err != nil {
			return err
		}
		offers, err := count(models.CategoryOffer)
		if err != nil {
			return err
		}
		item := models.CollectionRollup{
			ChainID:         chainID,
			ContractAddress: contract,
			TotalListing:    listings,
			TotalOffer:      offers,
			SeededAt:        &now,
		}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "chain_id"}, {Name: "contract_address"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"total_listing",
				"total_offer",
				"seeded_at",
				"updated_at",
			}),
		}).Create(&item).Error
	})
}

func (s *Store) BumpCollectionRollupTx(ctx context.Context, tx *gorm.DB, delta repository.RollupDelta) error {
	if s == nil || s.db == nil {
		return nil
	}
	if tx == nil {
		tx = s.db.WithContext(ctx)
	}
	if delta.Listing == 0 && delta.Offer == 0 {
		return nil
	}
	item := models.CollectionRollup{
		ChainID:         delta.ChainID,
		ContractAddress: strings.ToLower(delta.ContractAddress),
		TotalListing:    maxInt64(delta.Listing, 0),
		TotalOffer:      maxInt64(delta.Offer, 0),
	}
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "chain_id"}, {Name: "contract_address"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"total_listing": gorm.Expr("GREATEST(collection_rollups.total_listing + ?, 0)", delta.Listing),
			"total_offer":   gorm.Expr("GREATEST(collection_rollups.total_offer + ?, 0)", delta.Offer),
			"updated_at":    time.Now().UTC(),
		}),
	}).Create(&item).Error
}

func (s *Store) ListCollectionRollups(ctx context.Context) ([]models.CollectionRollup, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.CollectionRollup
	if err := s.db.WithContext(ctx).
		Order("chain_id asc, contract_address asc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// --- repair intervals -------------------------------------------------------

func (s *Store) CreateRepairInterval(ctx context.Context, item *models.RepairInterval) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) LatestRepairInterval(ctx context.Context) (*models.RepairInterval, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.RepairInterval
	err := s.db.WithContext(ctx).
		Order("end_time desc").
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) OldestOpenRepairInterval(ctx context.Context) (*models.RepairInterval, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.RepairInterval
	err := s.db.WithContext(ctx).
		Where("status <> ?", models.RepairStatusDone).
		Order("start_time asc").
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) UpdateRepairIntervalStatus(ctx context.Context, id uint64, status int) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&models.RepairInterval{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now().UTC(),
		}).Error
}

// --- feed progress ----------------------------------------------------------

func (s *Store) GetFeedProgress(ctx context.Context, name string) (*models.FeedProgress, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.FeedProgress
	err := s.db.WithContext(ctx).
		Where("name = ?", name).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) UpsertFeedProgress(ctx context.Context, item *models.FeedProgress) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	if strings.TrimSpace(item.Name) == "" {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"start_time",
			"end_time",
			"updated_at",
		}),
	}).Create(item).Error
}

// --- watched collections ----------------------------------------------------

func (s *Store) ListWatchedCollections(ctx context.Context, selectedOnly bool) ([]models.WatchedCollection, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.WatchedCollection{})
	if selectedOnly {
		query = query.Where("selected = ?", true)
	}
	var items []models.WatchedCollection
	if err := query.Order("slug asc").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) GetWatchedCollectionBySlug(ctx context.Context, slug string) (*models.WatchedCollection, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.WatchedCollection
	err := s.db.WithContext(ctx).
		Where("slug = ?", slug).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) GetWatchedCollectionByContract(ctx context.Context, chainID int64, contract string) (*models.WatchedCollection, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.WatchedCollection
	err := s.db.WithContext(ctx).
		Where("chain_id = ? AND contract_address = ?", chainID, strings.ToLower(contract)).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) UpsertWatchedCollection(ctx context.Context, item *models.WatchedCollection) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	if strings.TrimSpace(item.Slug) == "" {
		return nil
	}
	item.ContractAddress = strings.ToLower(item.ContractAddress)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "slug"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"chain_id",
			"contract_address",
			"selected",
			"updated_at",
		}),
	}).Create(item).Error
}

// --- currencies -------------------------------------------------------------

func (s *Store) ListCurrencies(ctx context.Context, chainID int64) ([]models.Currency, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.Currency{})
	if chainID > 0 {
		query = query.Where("chain_id = ?", chainID)
	}
	var items []models.Currency
	if err := query.Order("chain_id asc, symbol asc").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) GetCurrencyByAddress(ctx context.Context, chainID int64, address string) (*models.Currency, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.Currency
	err := s.db.WithContext(ctx).
		Where("chain_id = ? AND address = ?", chainID, strings.ToLower(address)).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// --- activity log -----------------------------------------------------------

func (s *Store) InsertOrderEvent(ctx context.Context, item *models.OrderEvent) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) OrderEventExists(ctx context.Context, kind, hash, txHash string, chainID int64) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}
	var n int64
	err := s.db.WithContext(ctx).
		Model(&models.OrderEvent{}).
		Where("kind = ?", kind).
		Where("hash = ?", strings.ToLower(hash)).
		Where("tx_hash = ?", strings.ToLower(txHash)).
		Where("chain_id = ?", chainID).
		Count(&n).Error
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) HasSaleEvent(ctx context.Context, chainID int64, hash string) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}
	var n int64
	err := s.db.WithContext(ctx).
		Model(&models.OrderEvent{}).
		Where("kind = ?", models.EventSale).
		Where("hash = ?", strings.ToLower(hash)).
		Where("chain_id = ?", chainID).
		Count(&n).Error
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
