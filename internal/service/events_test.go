package service

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"aggregator/internal/chain"
	"aggregator/internal/client/opensea"
	"aggregator/internal/config"
	"aggregator/internal/models"
)

func TestSaleReceiptChecksEveryFilledOrder(t *testing.T) {
	repo := newStubRepo()
	reader := newStubChain()
	best := NewBestOrderService(repo, zap.NewNop())
	validity := NewValidityService(repo, reader, best, config.ValidityConfig{
		Workers:       1,
		RetryAttempts: 1,
		RetryBackoff:  time.Millisecond,
	}, zap.NewNop())
	events := NewEventService(repo, nil, NewNormalizer(repo, zap.NewNop()), best, validity, zap.NewNop())
	ctx := context.Background()
	future := time.Now().Add(24 * time.Hour).Unix()

	orderA, _ := seedOrder(t, repo, "0xaaa1", models.CategoryListing, "1.0", models.PlatformExternal, future, "1")
	orderB, _ := seedOrder(t, repo, "0xbbb2", models.CategoryListing, "2.0", models.PlatformExternal, future, "2")

	// One sweep transaction fills both orders; the feed only reports the
	// first.
	filled := &chain.OrderStatus{TotalFilled: big.NewInt(1), TotalSize: big.NewInt(1)}
	reader.statuses["0xaaa1"] = filled
	reader.statuses["0xbbb2"] = filled
	reader.fulfilled["0xsweep"] = []string{"0xaaa1", "0xbbb2"}

	if err := events.HandleSold(ctx, 1, "0xaaa1", "0xsweep"); err != nil {
		t.Fatalf("handle sold: %v", err)
	}

	storedA, _ := repo.GetOrderByHash(ctx, 1, orderA.Hash)
	storedB, _ := repo.GetOrderByHash(ctx, 1, orderB.Hash)
	if storedA.IsFillable {
		t.Fatal("reported order still fillable after full fill")
	}
	if storedB.IsFillable {
		t.Fatal("second order in the sweep transaction was not checked")
	}
}

func TestForceImportSkipsFilledOrder(t *testing.T) {
	repo, _, events := testPipeline()
	ctx := context.Background()

	in := ListedInput{
		ChainID:          1,
		OrderHash:        "0xdead1",
		PlatformPriority: models.PlatformExternal,
		Data: listingData(
			[]opensea.SeaportOfferItem{nftOfferItem(models.ItemTypeERC721, "9", "1")},
			[]opensea.SeaportConsiderationItem{nativeItem("1000000000000000000")},
		),
	}
	if err := events.HandleListed(ctx, in); err != nil {
		t.Fatalf("handle listed: %v", err)
	}
	order, _ := repo.GetOrderByHash(ctx, 1, "0xdead1")
	if err := repo.UpdateOrderFillable(ctx, order.ID, false); err != nil {
		t.Fatalf("disable order: %v", err)
	}
	if err := repo.InsertOrderEvent(ctx, &models.OrderEvent{
		Kind: models.EventSale, Hash: "0xdead1", ChainID: 1, TokenID: "9", EventTime: time.Now().Unix(),
	}); err != nil {
		t.Fatalf("insert sale event: %v", err)
	}

	in.Force = true
	if err := events.HandleListed(ctx, in); err != nil {
		t.Fatalf("force import: %v", err)
	}
	stored, _ := repo.GetOrderByHash(ctx, 1, "0xdead1")
	if stored.IsFillable {
		t.Fatal("force import resurrected an order with a recorded fill")
	}
}

func TestForceImportReactivatesUnsoldOrder(t *testing.T) {
	repo, _, events := testPipeline()
	ctx := context.Background()

	in := ListedInput{
		ChainID:          1,
		OrderHash:        "0xlive1",
		PlatformPriority: models.PlatformExternal,
		Data: listingData(
			[]opensea.SeaportOfferItem{nftOfferItem(models.ItemTypeERC721, "10", "1")},
			[]opensea.SeaportConsiderationItem{nativeItem("1000000000000000000")},
		),
	}
	if err := events.HandleListed(ctx, in); err != nil {
		t.Fatalf("handle listed: %v", err)
	}
	order, _ := repo.GetOrderByHash(ctx, 1, "0xlive1")
	if err := repo.UpdateOrderFillable(ctx, order.ID, false); err != nil {
		t.Fatalf("disable order: %v", err)
	}

	in.Force = true
	if err := events.HandleListed(ctx, in); err != nil {
		t.Fatalf("force import: %v", err)
	}
	stored, _ := repo.GetOrderByHash(ctx, 1, "0xlive1")
	if !stored.IsFillable {
		t.Fatal("force import did not reactivate a live order")
	}
}

func TestCancelBacksOutRollupInSameTransaction(t *testing.T) {
	repo, _, events := testPipeline()
	ctx := context.Background()

	in := ListedInput{
		ChainID:          1,
		OrderHash:        "0xgone1",
		PlatformPriority: models.PlatformExternal,
		Data: listingData(
			[]opensea.SeaportOfferItem{nftOfferItem(models.ItemTypeERC721, "11", "1")},
			[]opensea.SeaportConsiderationItem{nativeItem("1000000000000000000")},
		),
	}
	if err := events.HandleListed(ctx, in); err != nil {
		t.Fatalf("handle listed: %v", err)
	}
	if err := events.HandleCancelled(ctx, 1, "0xgone1"); err != nil {
		t.Fatalf("handle cancelled: %v", err)
	}

	rollup, _ := repo.GetCollectionRollup(ctx, 1, nftContract)
	if rollup == nil || rollup.TotalListing != 0 {
		t.Fatalf("listing count = %+v, want 0", rollup)
	}
	// The counter moves with the cancel write or not at all.
	if !repo.cancelInTx || !repo.bumpInTx {
		t.Fatalf("cancel/bump outside a transaction: cancel=%v bump=%v", repo.cancelInTx, repo.bumpInTx)
	}
}

func TestRelistKeepsPartialFillAmount(t *testing.T) {
	repo, _, events := testPipeline()
	ctx := context.Background()

	in := ListedInput{
		ChainID:          1,
		OrderHash:        "0xbulk1",
		PlatformPriority: models.PlatformExternal,
		Data: listingData(
			[]opensea.SeaportOfferItem{nftOfferItem(models.ItemTypeERC1155, "12", "5")},
			[]opensea.SeaportConsiderationItem{nativeItem("5000000000000000000")},
		),
	}
	if err := events.HandleListed(ctx, in); err != nil {
		t.Fatalf("handle listed: %v", err)
	}
	order, _ := repo.GetOrderByHash(ctx, 1, "0xbulk1")
	assets, _ := repo.GetOrderAssets(ctx, order.ID)
	nft := nftLeg(assets)
	if nft == nil {
		t.Fatal("no nft leg")
	}
	// The validity check recorded a partial fill.
	if err := repo.UpdateOrderAvailableAmount(ctx, nft.ID, "2"); err != nil {
		t.Fatalf("record fill: %v", err)
	}

	// The feed replays the same listing; the remaining amount must
	// survive the rewrite of the asset rows.
	if err := events.HandleListed(ctx, in); err != nil {
		t.Fatalf("replay listing: %v", err)
	}
	assets, _ = repo.GetOrderAssets(ctx, order.ID)
	nft = nftLeg(assets)
	if nft == nil {
		t.Fatal("no nft leg after replay")
	}
	if !nft.AvailableAmount.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("available = %s, want 2", nft.AvailableAmount)
	}
}
