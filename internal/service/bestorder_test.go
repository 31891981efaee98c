package service

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"aggregator/internal/models"
)

func seedOrder(t *testing.T, repo *stubRepo, hash, category, price string, platform int, endTime int64, tokenID string) (*models.Order, models.OrderAsset) {
	t.Helper()
	side := models.SideOffer
	if category == models.CategoryOffer {
		side = models.SideConsideration
	}
	order := &models.Order{
		Hash:             hash,
		ChainID:          1,
		Category:         category,
		Offerer:          offerer,
		Price:            decimal.RequireFromString(price),
		PerPrice:         decimal.RequireFromString(price),
		CurrencySymbol:   "ETH",
		PlatformPriority: platform,
		StartTime:        time.Now().Add(-time.Hour).Unix(),
		EndTime:          endTime,
		IsFillable:       true,
	}
	asset := models.OrderAsset{
		AssetID:              models.AssetKey(1, nftContract, tokenID),
		Side:                 side,
		ItemType:             models.ItemTypeERC721,
		ChainID:              1,
		Token:                nftContract,
		IdentifierOrCriteria: tokenID,
		StartAmount:          decimal.NewFromInt(1),
		EndAmount:            decimal.NewFromInt(1),
		AvailableAmount:      decimal.NewFromInt(1),
	}
	if err := repo.UpsertOrderTx(context.Background(), nil, order, []models.OrderAsset{asset}); err != nil {
		t.Fatalf("seed order: %v", err)
	}
	rows, _ := repo.GetOrderAssets(context.Background(), order.ID)
	return order, rows[0]
}

func TestBestListingTieBreaksOnPlatform(t *testing.T) {
	repo := newStubRepo()
	svc := NewBestOrderService(repo, zap.NewNop())
	ctx := context.Background()
	future := time.Now().Add(24 * time.Hour).Unix()

	orderB, assetB := seedOrder(t, repo, "0xb", models.CategoryListing, "1.0", models.PlatformExternal, future, "1")
	orderA, assetA := seedOrder(t, repo, "0xa", models.CategoryListing, "1.0", models.PlatformNative, future, "1")

	if err := svc.ApplyOrder(ctx, orderB, assetB); err != nil {
		t.Fatalf("apply B: %v", err)
	}
	if err := svc.ApplyOrder(ctx, orderA, assetA); err != nil {
		t.Fatalf("apply A: %v", err)
	}

	cached, err := svc.BestOrders(ctx, assetA.AssetID)
	if err != nil {
		t.Fatalf("best orders: %v", err)
	}
	if cached == nil || cached.BestListingOrderID == nil {
		t.Fatal("no best listing cached")
	}
	if *cached.BestListingOrderID != orderA.ID {
		t.Fatalf("best listing = order %d, want %d (lower platform wins the tie)", *cached.BestListingOrderID, orderA.ID)
	}

	// A is cancelled; the rescan must promote B.
	if err := repo.UpdateOrderCancelledTx(ctx, nil, orderA.ID); err != nil {
		t.Fatalf("cancel A: %v", err)
	}
	orderA.IsFillable = false
	orderA.IsCancelled = true
	if err := svc.ApplyOrder(ctx, orderA, assetA); err != nil {
		t.Fatalf("apply cancelled A: %v", err)
	}
	cached, _ = svc.BestOrders(ctx, assetA.AssetID)
	if cached.BestListingOrderID == nil || *cached.BestListingOrderID != orderB.ID {
		t.Fatalf("best listing after cancel = %v, want %d", cached.BestListingOrderID, orderB.ID)
	}
}

func TestBestOfferTieBreaksOnLaterExpiry(t *testing.T) {
	repo := newStubRepo()
	svc := NewBestOrderService(repo, zap.NewNop())
	ctx := context.Background()
	soon := time.Now().Add(time.Hour).Unix()
	later := time.Now().Add(48 * time.Hour).Unix()

	orderC, assetC := seedOrder(t, repo, "0xc", models.CategoryOffer, "2.0", models.PlatformExternal, soon, "3")
	orderD, assetD := seedOrder(t, repo, "0xd", models.CategoryOffer, "2.0", models.PlatformExternal, later, "3")

	if err := svc.ApplyOrder(ctx, orderC, assetC); err != nil {
		t.Fatalf("apply C: %v", err)
	}
	if err := svc.ApplyOrder(ctx, orderD, assetD); err != nil {
		t.Fatalf("apply D: %v", err)
	}
	cached, _ := svc.BestOrders(ctx, assetC.AssetID)
	if cached == nil || cached.BestOfferOrderID == nil {
		t.Fatal("no best offer cached")
	}
	if *cached.BestOfferOrderID != orderD.ID {
		t.Fatalf("best offer = order %d, want %d (later expiry wins the tie)", *cached.BestOfferOrderID, orderD.ID)
	}
}

func TestApplyOrderIgnoresWorsePrice(t *testing.T) {
	repo := newStubRepo()
	svc := NewBestOrderService(repo, zap.NewNop())
	ctx := context.Background()
	future := time.Now().Add(24 * time.Hour).Unix()

	cheap, cheapAsset := seedOrder(t, repo, "0xcheap", models.CategoryListing, "0.5", models.PlatformExternal, future, "2")
	costly, costlyAsset := seedOrder(t, repo, "0xcostly", models.CategoryListing, "0.9", models.PlatformExternal, future, "2")

	if err := svc.ApplyOrder(ctx, cheap, cheapAsset); err != nil {
		t.Fatalf("apply cheap: %v", err)
	}
	if err := svc.ApplyOrder(ctx, costly, costlyAsset); err != nil {
		t.Fatalf("apply costly: %v", err)
	}
	cached, _ := svc.BestOrders(ctx, cheapAsset.AssetID)
	if *cached.BestListingOrderID != cheap.ID {
		t.Fatalf("best listing = %d, want %d", *cached.BestListingOrderID, cheap.ID)
	}
	if !cached.BestListingPerPrice.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("best price = %s, want 0.5", cached.BestListingPerPrice)
	}
}

func reprice(t *testing.T, repo *stubRepo, order *models.Order, asset models.OrderAsset, price string) {
	t.Helper()
	order.PerPrice = decimal.RequireFromString(price)
	order.Price = order.PerPrice
	if err := repo.UpsertOrderTx(context.Background(), nil, order, []models.OrderAsset{asset}); err != nil {
		t.Fatalf("reprice: %v", err)
	}
}

func TestApplyOrderRepricesCachedBest(t *testing.T) {
	repo := newStubRepo()
	svc := NewBestOrderService(repo, zap.NewNop())
	ctx := context.Background()
	future := time.Now().Add(24 * time.Hour).Unix()

	order, asset := seedOrder(t, repo, "0xr", models.CategoryListing, "1.0", models.PlatformExternal, future, "4")
	if err := svc.ApplyOrder(ctx, order, asset); err != nil {
		t.Fatalf("apply: %v", err)
	}

	// Same order comes back at a higher price and is still the only
	// candidate: the rescan must keep it with the new terms.
	reprice(t, repo, order, asset, "1.5")
	if err := svc.ApplyOrder(ctx, order, asset); err != nil {
		t.Fatalf("apply repriced: %v", err)
	}
	cached, _ := svc.BestOrders(ctx, asset.AssetID)
	if cached.BestListingOrderID == nil || *cached.BestListingOrderID != order.ID {
		t.Fatalf("best listing = %v, want %d", cached.BestListingOrderID, order.ID)
	}
	if !cached.BestListingPerPrice.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("cached price = %s, want 1.5", cached.BestListingPerPrice)
	}
}

func TestRepriceBehindRunnerUpElectsRunnerUp(t *testing.T) {
	repo := newStubRepo()
	svc := NewBestOrderService(repo, zap.NewNop())
	ctx := context.Background()
	future := time.Now().Add(24 * time.Hour).Unix()

	orderA, assetA := seedOrder(t, repo, "0xa1", models.CategoryListing, "1.0", models.PlatformExternal, future, "5")
	orderB, _ := seedOrder(t, repo, "0xb1", models.CategoryListing, "1.2", models.PlatformExternal, future, "5")

	if err := svc.ApplyOrder(ctx, orderA, assetA); err != nil {
		t.Fatalf("apply A: %v", err)
	}

	// The cached best worsens past the runner-up: the cache must end up
	// pointing at B, not at A's new terms.
	reprice(t, repo, orderA, assetA, "1.5")
	if err := svc.ApplyOrder(ctx, orderA, assetA); err != nil {
		t.Fatalf("apply repriced A: %v", err)
	}
	cached, _ := svc.BestOrders(ctx, assetA.AssetID)
	if cached.BestListingOrderID == nil || *cached.BestListingOrderID != orderB.ID {
		t.Fatalf("best listing = %v, want %d", cached.BestListingOrderID, orderB.ID)
	}
	if !cached.BestListingPerPrice.Equal(decimal.RequireFromString("1.2")) {
		t.Fatalf("cached price = %s, want 1.2", cached.BestListingPerPrice)
	}
}

func TestApplyOrderTreatsPricelessCacheRowAsEmpty(t *testing.T) {
	repo := newStubRepo()
	svc := NewBestOrderService(repo, zap.NewNop())
	ctx := context.Background()
	future := time.Now().Add(24 * time.Hour).Unix()

	order, asset := seedOrder(t, repo, "0xp", models.CategoryListing, "0.8", models.PlatformExternal, future, "6")

	// A cache row carrying an order id without a price must not crash
	// the apply path; the slot is simply retaken.
	stale := order.ID + 1000
	if err := repo.UpsertAssetBestOrder(ctx, &models.AssetBestOrder{
		AssetID:            asset.AssetID,
		ChainID:            asset.ChainID,
		ContractAddress:    nftContract,
		TokenID:            asset.IdentifierOrCriteria,
		BestListingOrderID: &stale,
	}); err != nil {
		t.Fatalf("seed cache row: %v", err)
	}
	if err := svc.ApplyOrder(ctx, order, asset); err != nil {
		t.Fatalf("apply: %v", err)
	}
	cached, _ := svc.BestOrders(ctx, asset.AssetID)
	if cached.BestListingOrderID == nil || *cached.BestListingOrderID != order.ID {
		t.Fatalf("best listing = %v, want %d", cached.BestListingOrderID, order.ID)
	}
	if cached.BestListingPerPrice == nil || !cached.BestListingPerPrice.Equal(decimal.RequireFromString("0.8")) {
		t.Fatalf("cached price = %v, want 0.8", cached.BestListingPerPrice)
	}
}
