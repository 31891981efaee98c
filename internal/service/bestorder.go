package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"aggregator/internal/models"
	"aggregator/internal/repository"
)

// keyedMutex serializes work per asset so concurrent feed and repair
// updates to the same asset cannot interleave.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock acquires the per-key lock and returns its release func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// BetterListing reports whether a should replace b as the best listing.
// Cheaper wins; at equal price the lower platform priority, then the
// earlier expiry.
func BetterListing(a, b *models.Order) bool {
	if b == nil {
		return a != nil
	}
	if a == nil {
		return false
	}
	if !a.PerPrice.Equal(b.PerPrice) {
		return a.PerPrice.LessThan(b.PerPrice)
	}
	if a.PlatformPriority != b.PlatformPriority {
		return a.PlatformPriority < b.PlatformPriority
	}
	return a.EndTime < b.EndTime
}

// BetterOffer reports whether a should replace b as the best offer.
// Higher wins; at equal price the lower platform priority, then the
// later expiry.
func BetterOffer(a, b *models.Order) bool {
	if b == nil {
		return a != nil
	}
	if a == nil {
		return false
	}
	if !a.PerPrice.Equal(b.PerPrice) {
		return a.PerPrice.GreaterThan(b.PerPrice)
	}
	if a.PlatformPriority != b.PlatformPriority {
		return a.PlatformPriority < b.PlatformPriority
	}
	return a.EndTime > b.EndTime
}

// BestOrderService maintains the per-asset best listing and best offer
// cache. Writes go through a per-asset lock.
type BestOrderService struct {
	repo   repository.Repository
	logger *zap.Logger
	locks  *keyedMutex

	// OnChanged fires after a cache row changed. Used to push updates
	// downstream; may be nil.
	OnChanged func(ctx context.Context, item *models.AssetBestOrder)
}

func NewBestOrderService(repo repository.Repository, logger *zap.Logger) *BestOrderService {
	return &BestOrderService{
		repo:   repo,
		logger: logger,
		locks:  newKeyedMutex(),
	}
}

// ApplyOrder folds one changed order into the cache. A fillable order
// that beats the cached best replaces it in place; when the cached best
// itself worsens or goes away, a full rescan elects the replacement.
func (s *BestOrderService) ApplyOrder(ctx context.Context, order *models.Order, asset models.OrderAsset) error {
	if s == nil || s.repo == nil || order == nil || asset.AssetID == "" {
		return nil
	}
	unlock := s.locks.Lock(asset.AssetID)
	defer unlock()

	cached, err := s.repo.GetAssetBestOrder(ctx, asset.AssetID)
	if err != nil {
		return err
	}
	if cached == nil {
		cached = &models.AssetBestOrder{
			AssetID:         asset.AssetID,
			ChainID:         asset.ChainID,
			ContractAddress: strings.ToLower(asset.Token),
			TokenID:         asset.IdentifierOrCriteria,
		}
	}

	if order.Fillable(time.Now().Unix()) {
		if s.applyFillable(cached, order) {
			return s.writeLocked(ctx, cached)
		}
		// A reprice of the slot holder may have pushed it behind the
		// runner-up; only a rescan can find the new best.
		if holdsSlot(cached, order) {
			return s.recomputeLocked(ctx, cached)
		}
		return nil
	}

	// Order went away. Only a rescan can tell what is best now.
	wasBest := (cached.BestListingOrderID != nil && *cached.BestListingOrderID == order.ID) ||
		(cached.BestOfferOrderID != nil && *cached.BestOfferOrderID == order.ID)
	if !wasBest {
		return nil
	}
	return s.recomputeLocked(ctx, cached)
}

func (s *BestOrderService) applyFillable(cached *models.AssetBestOrder, order *models.Order) bool {
	current := cachedOrder(cached, order.Category)
	switch order.Category {
	case models.CategoryListing:
		if !BetterListing(order, current) {
			return false
		}
		setBestListing(cached, order)
	case models.CategoryOffer:
		if !BetterOffer(order, current) {
			return false
		}
		setBestOffer(cached, order)
	default:
		return false
	}
	return true
}

// holdsSlot reports whether the order is the one the cache currently
// points at for its category.
func holdsSlot(cached *models.AssetBestOrder, order *models.Order) bool {
	switch order.Category {
	case models.CategoryListing:
		return cached.BestListingOrderID != nil && *cached.BestListingOrderID == order.ID
	case models.CategoryOffer:
		return cached.BestOfferOrderID != nil && *cached.BestOfferOrderID == order.ID
	}
	return false
}

func cachedOrder(cached *models.AssetBestOrder, category string) *models.Order {
	switch category {
	case models.CategoryListing:
		// A row with an order id but no price is treated as empty
		// rather than dereferenced.
		if cached.BestListingOrderID == nil || cached.BestListingPerPrice == nil {
			return nil
		}
		o := &models.Order{
			ID:       *cached.BestListingOrderID,
			Category: models.CategoryListing,
			PerPrice: *cached.BestListingPerPrice,
		}
		if cached.BestListingPlatform != nil {
			o.PlatformPriority = *cached.BestListingPlatform
		}
		if cached.BestListingEndTime != nil {
			o.EndTime = *cached.BestListingEndTime
		}
		return o
	case models.CategoryOffer:
		if cached.BestOfferOrderID == nil || cached.BestOfferPerPrice == nil {
			return nil
		}
		o := &models.Order{
			ID:       *cached.BestOfferOrderID,
			Category: models.CategoryOffer,
			PerPrice: *cached.BestOfferPerPrice,
		}
		if cached.BestOfferPlatform != nil {
			o.PlatformPriority = *cached.BestOfferPlatform
		}
		if cached.BestOfferEndTime != nil {
			o.EndTime = *cached.BestOfferEndTime
		}
		return o
	}
	return nil
}

func setBestListing(cached *models.AssetBestOrder, order *models.Order) {
	if order == nil {
		cached.BestListingOrderID = nil
		cached.BestListingPerPrice = nil
		cached.BestListingPlatform = nil
		cached.BestListingEndTime = nil
		cached.BestListingSymbol = ""
		return
	}
	id := order.ID
	price := order.PerPrice
	platform := order.PlatformPriority
	endTime := order.EndTime
	cached.BestListingOrderID = &id
	cached.BestListingPerPrice = &price
	cached.BestListingPlatform = &platform
	cached.BestListingEndTime = &endTime
	cached.BestListingSymbol = order.CurrencySymbol
}

func setBestOffer(cached *models.AssetBestOrder, order *models.Order) {
	if order == nil {
		cached.BestOfferOrderID = nil
		cached.BestOfferPerPrice = nil
		cached.BestOfferPlatform = nil
		cached.BestOfferEndTime = nil
		cached.BestOfferSymbol = ""
		return
	}
	id := order.ID
	price := order.PerPrice
	platform := order.PlatformPriority
	endTime := order.EndTime
	cached.BestOfferOrderID = &id
	cached.BestOfferPerPrice = &price
	cached.BestOfferPlatform = &platform
	cached.BestOfferEndTime = &endTime
	cached.BestOfferSymbol = order.CurrencySymbol
}

// Recompute rescans every live order of the asset and rebuilds both
// cache slots.
func (s *BestOrderService) Recompute(ctx context.Context, assetID string, chainID int64, contract, tokenID string) error {
	if s == nil || s.repo == nil || assetID == "" {
		return nil
	}
	unlock := s.locks.Lock(assetID)
	defer unlock()

	cached, err := s.repo.GetAssetBestOrder(ctx, assetID)
	if err != nil {
		return err
	}
	if cached == nil {
		cached = &models.AssetBestOrder{
			AssetID:         assetID,
			ChainID:         chainID,
			ContractAddress: strings.ToLower(contract),
			TokenID:         tokenID,
		}
	}
	return s.recomputeLocked(ctx, cached)
}

func (s *BestOrderService) recomputeLocked(ctx context.Context, cached *models.AssetBestOrder) error {
	best := map[string]*models.Order{}
	for _, category := range []string{models.CategoryListing, models.CategoryOffer} {
		candidates, err := s.repo.ListFillableCandidates(ctx, cached.AssetID, category)
		if err != nil {
			return err
		}
		for i := range candidates {
			order := candidates[i].Order
			switch category {
			case models.CategoryListing:
				if BetterListing(&order, best[category]) {
					o := order
					best[category] = &o
				}
			case models.CategoryOffer:
				if BetterOffer(&order, best[category]) {
					o := order
					best[category] = &o
				}
			}
		}
	}
	setBestListing(cached, best[models.CategoryListing])
	setBestOffer(cached, best[models.CategoryOffer])
	return s.writeLocked(ctx, cached)
}

func (s *BestOrderService) writeLocked(ctx context.Context, cached *models.AssetBestOrder) error {
	if err := s.repo.UpsertAssetBestOrder(ctx, cached); err != nil {
		return err
	}
	if s.logger != nil {
		s.logger.Debug("best order cache updated", zap.String("asset_id", cached.AssetID))
	}
	if s.OnChanged != nil {
		s.OnChanged(ctx, cached)
	}
	return nil
}

// BestOrders returns the cached row for an asset, nil when the asset
// has never had a live order.
func (s *BestOrderService) BestOrders(ctx context.Context, assetID string) (*models.AssetBestOrder, error) {
	if s == nil || s.repo == nil {
		return nil, nil
	}
	return s.repo.GetAssetBestOrder(ctx, assetID)
}
