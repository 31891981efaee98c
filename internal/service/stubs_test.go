package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"aggregator/internal/chain"
	"aggregator/internal/client/opensea"
	"aggregator/internal/models"
	"aggregator/internal/repository"
)

type stubRepo struct {
	mu         sync.Mutex
	nextID     uint64
	orders     map[uint64]*models.Order
	assets     map[uint64][]models.OrderAsset
	bests      map[string]*models.AssetBestOrder
	rollups    map[string]*models.CollectionRollup
	intervals  []*models.RepairInterval
	progress   map[string]*models.FeedProgress
	watched    map[string]*models.WatchedCollection
	currencies map[string]*models.Currency
	events     []*models.OrderEvent

	txDepth    int
	cancelInTx bool
	bumpInTx   bool
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		orders:     make(map[uint64]*models.Order),
		assets:     make(map[uint64][]models.OrderAsset),
		bests:      make(map[string]*models.AssetBestOrder),
		rollups:    make(map[string]*models.CollectionRollup),
		progress:   make(map[string]*models.FeedProgress),
		watched:    make(map[string]*models.WatchedCollection),
		currencies: make(map[string]*models.Currency),
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func rollupKey(chainID int64, contract string) string {
	return fmt.Sprintf("%d:%s", chainID, strings.ToLower(contract))
}

func (r *stubRepo) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	r.mu.Lock()
	r.txDepth++
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.txDepth--
		r.mu.Unlock()
	}()
	return fn(nil)
}

func (r *stubRepo) UpsertOrderTx(ctx context.Context, tx *gorm.DB, order *models.Order, assets []models.OrderAsset) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if order.ID == 0 {
		for id, o := range r.orders {
			if o.Hash == order.Hash && o.ChainID == order.ChainID {
				order.ID = id
				break
			}
		}
	}
	if order.ID == 0 {
		r.nextID++
		order.ID = r.nextID
	}
	copied := *order
	r.orders[order.ID] = &copied
	prior := r.assets[order.ID]
	rows := make([]models.OrderAsset, len(assets))
	for i, a := range assets {
		r.nextID++
		a.ID = r.nextID
		a.OrderID = order.ID
		for _, p := range prior {
			if p.Side == a.Side && p.ItemType == a.ItemType &&
				p.Token == a.Token && p.IdentifierOrCriteria == a.IdentifierOrCriteria &&
				p.StartAmount.Equal(a.StartAmount) {
				a.AvailableAmount = p.AvailableAmount
				break
			}
		}
		rows[i] = a
	}
	r.assets[order.ID] = rows
	return nil
}

func (r *stubRepo) GetOrderByHash(ctx context.Context, chainID int64, hash string) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		if o.Hash == strings.ToLower(hash) && o.ChainID == chainID {
			copied := *o
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *stubRepo) GetOrderAssets(ctx context.Context, orderID uint64) ([]models.OrderAsset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.OrderAsset(nil), r.assets[orderID]...), nil
}

func (r *stubRepo) UpdateOrderFillable(ctx context.Context, orderID uint64, fillable bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.orders[orderID]; ok {
		o.IsFillable = fillable
		o.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (r *stubRepo) UpdateOrderCancelledTx(ctx context.Context, tx *gorm.DB, orderID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelInTx = r.txDepth > 0
	if o, ok := r.orders[orderID]; ok {
		o.IsFillable = false
		o.IsCancelled = true
	}
	return nil
}

func (r *stubRepo) UpdateOrderAvailableAmount(ctx context.Context, assetRowID uint64, amount string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for orderID, rows := range r.assets {
		for i := range rows {
			if rows[i].ID == assetRowID {
				if d, err := decimal.NewFromString(amount); err == nil {
					r.assets[orderID][i].AvailableAmount = d
				}
			}
		}
	}
	return nil
}

func (r *stubRepo) ListFillableCandidates(ctx context.Context, assetID, category string) ([]repository.BestCandidate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().Unix()
	var out []repository.BestCandidate
	for id, o := range r.orders {
		if o.Category != category || !o.Fillable(now) {
			continue
		}
		for _, a := range r.assets[id] {
			if a.AssetID == assetID {
				out = append(out, repository.BestCandidate{Order: *o, Asset: a})
				break
			}
		}
	}
	return out, nil
}

func (r *stubRepo) ListOrdersByOfferer(ctx context.Context, chainID int64, offerer, token string, fillableOnly bool) ([]repository.BestCandidate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().Unix()
	var out []repository.BestCandidate
	for id, o := range r.orders {
		if o.ChainID != chainID || !strings.EqualFold(o.Offerer, offerer) {
			continue
		}
		if fillableOnly && !o.Fillable(now) {
			continue
		}
		out = append(out, repository.BestCandidate{Order: *o, Asset: firstNFT(r.assets[id])})
	}
	return out, nil
}

func (r *stubRepo) ListFillableOrdersByContract(ctx context.Context, chainID int64, contract string) ([]repository.BestCandidate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().Unix()
	var out []repository.BestCandidate
	for id, o := range r.orders {
		if o.ChainID != chainID || !o.Fillable(now) {
			continue
		}
		nft := firstNFT(r.assets[id])
		if strings.EqualFold(nft.Token, contract) {
			out = append(out, repository.BestCandidate{Order: *o, Asset: nft})
		}
	}
	return out, nil
}

func (r *stubRepo) ListStaleFillableOrders(ctx context.Context, olderThanUnix int64, limit int) ([]repository.BestCandidate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().Unix()
	var out []repository.BestCandidate
	for id, o := range r.orders {
		if !o.Fillable(now) || o.UpdatedAt.Unix() >= olderThanUnix {
			continue
		}
		out = append(out, repository.BestCandidate{Order: *o, Asset: firstNFT(r.assets[id])})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *stubRepo) DisableContractOrders(ctx context.Context, chainID int64, contract string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, o := range r.orders {
		if o.ChainID != chainID || !o.IsFillable {
			continue
		}
		if strings.EqualFold(firstNFT(r.assets[id]).Token, contract) {
			o.IsFillable = false
			n++
		}
	}
	return n, nil
}

func firstNFT(rows []models.OrderAsset) models.OrderAsset {
	for _, a := range rows {
		if a.IsNFT() {
			return a
		}
	}
	return models.OrderAsset{}
}

func (r *stubRepo) GetAssetBestOrder(ctx context.Context, assetID string) (*models.AssetBestOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.bests[assetID]; ok {
		copied := *b
		return &copied, nil
	}
	return nil, nil
}

func (r *stubRepo) UpsertAssetBestOrder(ctx context.Context, item *models.AssetBestOrder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *item
	r.bests[item.AssetID] = &copied
	return nil
}

func (r *stubRepo) GetCollectionRollup(ctx context.Context, chainID int64, contract string) (*models.CollectionRollup, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if item, ok := r.rollups[rollupKey(chainID, contract)]; ok {
		copied := *item
		return &copied, nil
	}
	return nil, nil
}

func (r *stubRepo) SeedCollectionRollup(ctx context.Context, chainID int64, contract string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().Unix()
	item := &models.CollectionRollup{ChainID: chainID, ContractAddress: strings.ToLower(contract)}
	for id, o := range r.orders {
		if o.ChainID != chainID || !o.Fillable(now) {
			continue
		}
		if !strings.EqualFold(firstNFT(r.assets[id]).Token, contract) {
			continue
		}
		if o.Category == models.CategoryListing {
			item.TotalListing++
		} else {
			item.TotalOffer++
		}
	}
	seeded := time.Now().UTC()
	item.SeededAt = &seeded
	r.rollups[rollupKey(chainID, contract)] = item
	return nil
}

func (r *stubRepo) BumpCollectionRollupTx(ctx context.Context, tx *gorm.DB, delta repository.RollupDelta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bumpInTx = r.txDepth > 0
	key := rollupKey(delta.ChainID, delta.ContractAddress)
	item, ok := r.rollups[key]
	if !ok {
		item = &models.CollectionRollup{ChainID: delta.ChainID, ContractAddress: strings.ToLower(delta.ContractAddress)}
		r.rollups[key] = item
	}
	item.TotalListing += delta.Listing
	if item.TotalListing < 0 {
		item.TotalListing = 0
	}
	item.TotalOffer += delta.Offer
	if item.TotalOffer < 0 {
		item.TotalOffer = 0
	}
	return nil
}

func (r *stubRepo) ListCollectionRollups(ctx context.Context) ([]models.CollectionRollup, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.CollectionRollup
	for _, item := range r.rollups {
		out = append(out, *item)
	}
	return out, nil
}

func (r *stubRepo) CreateRepairInterval(ctx context.Context, item *models.RepairInterval) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	item.ID = r.nextID
	copied := *item
	r.intervals = append(r.intervals, &copied)
	return nil
}

func (r *stubRepo) LatestRepairInterval(ctx context.Context) (*models.RepairInterval, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *models.RepairInterval
	for _, item := range r.intervals {
		if latest == nil || item.EndTime > latest.EndTime {
			latest = item
		}
	}
	if latest == nil {
		return nil, nil
	}
	copied := *latest
	return &copied, nil
}

func (r *stubRepo) OldestOpenRepairInterval(ctx context.Context) (*models.RepairInterval, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var oldest *models.RepairInterval
	for _, item := range r.intervals {
		if item.Status == models.RepairStatusDone {
			continue
		}
		if oldest == nil || item.StartTime < oldest.StartTime {
			oldest = item
		}
	}
	if oldest == nil {
		return nil, nil
	}
	copied := *oldest
	return &copied, nil
}

func (r *stubRepo) UpdateRepairIntervalStatus(ctx context.Context, id uint64, status int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, item := range r.intervals {
		if item.ID == id {
			item.Status = status
		}
	}
	return nil
}

func (r *stubRepo) GetFeedProgress(ctx context.Context, name string) (*models.FeedProgress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if item, ok := r.progress[name]; ok {
		copied := *item
		return &copied, nil
	}
	return nil, nil
}

func (r *stubRepo) UpsertFeedProgress(ctx context.Context, item *models.FeedProgress) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *item
	r.progress[item.Name] = &copied
	return nil
}

func (r *stubRepo) ListWatchedCollections(ctx context.Context, selectedOnly bool) ([]models.WatchedCollection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.WatchedCollection
	for _, item := range r.watched {
		if selectedOnly && !item.Selected {
			continue
		}
		out = append(out, *item)
	}
	return out, nil
}

func (r *stubRepo) GetWatchedCollectionBySlug(ctx context.Context, slug string) (*models.WatchedCollection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if item, ok := r.watched[slug]; ok {
		copied := *item
		return &copied, nil
	}
	return nil, nil
}

func (r *stubRepo) GetWatchedCollectionByContract(ctx context.Context, chainID int64, contract string) (*models.WatchedCollection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, item := range r.watched {
		if item.ChainID == chainID && strings.EqualFold(item.ContractAddress, contract) {
			copied := *item
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *stubRepo) UpsertWatchedCollection(ctx context.Context, item *models.WatchedCollection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *item
	r.watched[item.Slug] = &copied
	return nil
}

func (r *stubRepo) ListCurrencies(ctx context.Context, chainID int64) ([]models.Currency, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Currency
	for _, item := range r.currencies {
		if chainID > 0 && item.ChainID != chainID {
			continue
		}
		out = append(out, *item)
	}
	return out, nil
}

func (r *stubRepo) GetCurrencyByAddress(ctx context.Context, chainID int64, address string) (*models.Currency, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if item, ok := r.currencies[fmt.Sprintf("%d:%s", chainID, strings.ToLower(address))]; ok {
		copied := *item
		return &copied, nil
	}
	return nil, nil
}

func (r *stubRepo) addCurrency(c models.Currency) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.Address = strings.ToLower(c.Address)
	r.currencies[fmt.Sprintf("%d:%s", c.ChainID, c.Address)] = &c
}

func (r *stubRepo) InsertOrderEvent(ctx context.Context, item *models.OrderEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *item
	r.events = append(r.events, &copied)
	return nil
}

func (r *stubRepo) OrderEventExists(ctx context.Context, kind, hash, txHash string, chainID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, item := range r.events {
		if item.Kind == kind && item.Hash == strings.ToLower(hash) &&
			item.TxHash == strings.ToLower(txHash) && item.ChainID == chainID {
			return true, nil
		}
	}
	return false, nil
}

func (r *stubRepo) HasSaleEvent(ctx context.Context, chainID int64, hash string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, item := range r.events {
		if item.Kind == models.EventSale && item.Hash == strings.ToLower(hash) && item.ChainID == chainID {
			return true, nil
		}
	}
	return false, nil
}

// --- chain stub -------------------------------------------------------------

type stubChain struct {
	mu        sync.Mutex
	statuses  map[string]*chain.OrderStatus
	owners    map[string]string
	balances  map[string]*big.Int
	fulfilled map[string][]string
	calls     int
}

func newStubChain() *stubChain {
	return &stubChain{
		statuses:  make(map[string]*chain.OrderStatus),
		owners:    make(map[string]string),
		balances:  make(map[string]*big.Int),
		fulfilled: make(map[string][]string),
	}
}

func (c *stubChain) OrderStatus(ctx context.Context, chainID int64, exchange, orderHash string) (*chain.OrderStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if st, ok := c.statuses[strings.ToLower(orderHash)]; ok {
		return st, nil
	}
	return &chain.OrderStatus{TotalFilled: big.NewInt(0), TotalSize: big.NewInt(0)}, nil
}

func (c *stubChain) OwnerOf(ctx context.Context, chainID int64, contract, tokenID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.owners[strings.ToLower(contract)+":"+tokenID], nil
}

func (c *stubChain) BalanceOf(ctx context.Context, chainID int64, contract, owner, tokenID string) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if bal, ok := c.balances[strings.ToLower(owner)]; ok {
		return bal, nil
	}
	return big.NewInt(0), nil
}

func (c *stubChain) FulfilledOrders(ctx context.Context, chainID int64, txHash, exchange string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.fulfilled[strings.ToLower(txHash)], nil
}

// --- market API stub --------------------------------------------------------

type stubAPI struct {
	collections map[string]*opensea.CollectionInfo
	listings    map[string][]opensea.RestOrder
	events      map[string][]opensea.AssetEvent
	orders      map[string]*opensea.RestOrder
}

func newStubAPI() *stubAPI {
	return &stubAPI{
		collections: make(map[string]*opensea.CollectionInfo),
		listings:    make(map[string][]opensea.RestOrder),
		events:      make(map[string][]opensea.AssetEvent),
		orders:      make(map[string]*opensea.RestOrder),
	}
}

func (a *stubAPI) Collection(ctx context.Context, slug string) (*opensea.CollectionInfo, error) {
	if info, ok := a.collections[slug]; ok {
		return info, nil
	}
	return &opensea.CollectionInfo{Collection: slug}, nil
}

func (a *stubAPI) CollectionEvents(ctx context.Context, slug string, after, before int64, eventTypes []string) ([]opensea.AssetEvent, error) {
	var out []opensea.AssetEvent
	for _, ev := range a.events[slug] {
		if ev.EventTimestamp > after && (before == 0 || ev.EventTimestamp <= before) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (a *stubAPI) CollectionListings(ctx context.Context, slug string) ([]opensea.RestOrder, error) {
	return a.listings[slug], nil
}

func (a *stubAPI) Order(ctx context.Context, chainID int64, protocolAddress, orderHash string) (*opensea.RestOrder, error) {
	if o, ok := a.orders[strings.ToLower(orderHash)]; ok {
		return o, nil
	}
	return nil, fmt.Errorf("order %s not found", orderHash)
}
