package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"aggregator/internal/client/opensea"
	"aggregator/internal/models"
	"aggregator/internal/repository"
)

// MarketAPI is the slice of the marketplace REST client the event
// pipeline needs. Stubbed out in tests.
type MarketAPI interface {
	Collection(ctx context.Context, slug string) (*opensea.CollectionInfo, error)
	CollectionEvents(ctx context.Context, slug string, after, before int64, eventTypes []string) ([]opensea.AssetEvent, error)
	CollectionListings(ctx context.Context, slug string) ([]opensea.RestOrder, error)
	Order(ctx context.Context, chainID int64, protocolAddress, orderHash string) (*opensea.RestOrder, error)
}

// EventService folds feed and history events into the order index.
type EventService struct {
	repo       repository.Repository
	api        MarketAPI
	normalizer *Normalizer
	best       *BestOrderService
	validity   *ValidityService
	logger     *zap.Logger
}

func NewEventService(repo repository.Repository, api MarketAPI, normalizer *Normalizer, best *BestOrderService, validity *ValidityService, logger *zap.Logger) *EventService {
	return &EventService{
		repo:       repo,
		api:        api,
		normalizer: normalizer,
		best:       best,
		validity:   validity,
		logger:     logger,
	}
}

// skippable reports whether an error is a normalization rejection that
// should drop the order without failing the pipeline.
func skippable(err error) bool {
	return errors.Is(err, ErrBundleOrder) ||
		errors.Is(err, ErrPrivateListing) ||
		errors.Is(err, ErrUnknownCurrency) ||
		errors.Is(err, ErrMissingPriceTerms) ||
		errors.Is(err, ErrUnsupportedOrderType)
}

// HandleStreamEvent routes one realtime feed event.
func (s *EventService) HandleStreamEvent(ctx context.Context, slug string, evt opensea.StreamEvent) error {
	if s == nil {
		return nil
	}
	var payload opensea.ItemEventPayload
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		return fmt.Errorf("malformed event payload: %w", err)
	}
	chainID, ok := opensea.ChainID(payload.Item.Chain.Name)
	if !ok {
		if s.logger != nil {
			s.logger.Debug("event on unsupported chain",
				zap.String("slug", slug),
				zap.String("chain", payload.Item.Chain.Name))
		}
		return nil
	}
	_, contract, tokenID, err := opensea.ParseNFTID(payload.Item.NFTID)
	if err != nil {
		return err
	}
	eventTime := parseEventTime(payload.EventTimestamp)

	switch evt.EventType {
	case opensea.EventItemListed:
		if payload.IsPrivate {
			return nil
		}
		err := s.HandleListed(ctx, ListedInput{
			ChainID:          chainID,
			OrderHash:        payload.OrderHash,
			ProtocolAddress:  payload.ProtocolAddress,
			PlatformPriority: models.PlatformExternal,
			Data:             payload.ProtocolData,
		})
		if skippable(err) {
			if s.logger != nil {
				s.logger.Info("order skipped",
					zap.String("hash", payload.OrderHash),
					zap.String("reason", err.Error()))
			}
			return nil
		}
		if err != nil {
			return err
		}
		return s.recordEvent(ctx, &models.OrderEvent{
			Kind:            models.EventList,
			Hash:            strings.ToLower(payload.OrderHash),
			ChainID:         chainID,
			ContractAddress: contract,
			TokenID:         tokenID,
			Amount:          decimal.NewFromInt(int64(maxInt(payload.Quantity, 1))),
			Price:           parseBasePrice(payload.BasePrice, payload.PaymentToken.Decimals),
			CurrencySymbol:  payload.PaymentToken.Symbol,
			FromAddress:     strings.ToLower(payload.Maker.Address),
			EventTime:       eventTime,
			Payload:         datatypes.JSON(evt.Payload),
		})
	case opensea.EventItemCancelled:
		if err := s.HandleCancelled(ctx, chainID, payload.OrderHash); err != nil {
			return err
		}
		return s.recordEvent(ctx, &models.OrderEvent{
			Kind:            models.EventCancel,
			Hash:            strings.ToLower(payload.OrderHash),
			TxHash:          strings.ToLower(payload.Transaction.Hash),
			ChainID:         chainID,
			ContractAddress: contract,
			TokenID:         tokenID,
			FromAddress:     strings.ToLower(payload.Maker.Address),
			EventTime:       eventTime,
			Payload:         datatypes.JSON(evt.Payload),
		})
	case opensea.EventItemSold:
		if err := s.HandleSold(ctx, chainID, payload.OrderHash, payload.Transaction.Hash); err != nil {
			return err
		}
		return s.recordEvent(ctx, &models.OrderEvent{
			Kind:            models.EventSale,
			Hash:            strings.ToLower(payload.OrderHash),
			TxHash:          strings.ToLower(payload.Transaction.Hash),
			ChainID:         chainID,
			ContractAddress: contract,
			TokenID:         tokenID,
			Amount:          decimal.NewFromInt(int64(maxInt(payload.Quantity, 1))),
			Price:           parseBasePrice(payload.SalePrice, payload.PaymentToken.Decimals),
			CurrencySymbol:  payload.PaymentToken.Symbol,
			FromAddress:     strings.ToLower(payload.Maker.Address),
			ToAddress:       strings.ToLower(payload.Taker.Address),
			EventTime:       eventTime,
			Payload:         datatypes.JSON(evt.Payload),
		})
	case opensea.EventItemTransferred:
		if err := s.HandleTransfer(ctx, TransferInput{
			ChainID:   chainID,
			Contract:  contract,
			TokenID:   tokenID,
			From:      payload.FromAccount.Address,
			To:        payload.ToAccount.Address,
			EventTime: eventTime,
		}); err != nil {
			return err
		}
		return s.recordEvent(ctx, &models.OrderEvent{
			Kind:            models.EventTransfer,
			TxHash:          strings.ToLower(payload.Transaction.Hash),
			ChainID:         chainID,
			ContractAddress: contract,
			TokenID:         tokenID,
			Amount:          decimal.NewFromInt(int64(maxInt(payload.Quantity, 1))),
			FromAddress:     strings.ToLower(payload.FromAccount.Address),
			ToAddress:       strings.ToLower(payload.ToAccount.Address),
			EventTime:       eventTime,
			Payload:         datatypes.JSON(evt.Payload),
		})
	}
	return nil
}

// ListedInput describes a signed order to fold into the index.
type ListedInput struct {
	ChainID          int64
	OrderHash        string
	ProtocolAddress  string
	PlatformPriority int
	Data             *opensea.SeaportProtocolData

	// Force reactivates a previously disabled order if it is not
	// cancelled, not expired and has no recorded fill. Used by explicit
	// imports and bootstrap.
	Force bool
}

// HandleListed normalizes and stores one order, then folds it into the
// best-order cache and the collection counters.
func (s *EventService) HandleListed(ctx context.Context, in ListedInput) error {
	if s == nil || s.repo == nil {
		return nil
	}
	order, assets, err := s.normalizer.Normalize(ctx, NormalizeInput{
		ChainID:          in.ChainID,
		OrderHash:        in.OrderHash,
		ProtocolAddress:  in.ProtocolAddress,
		PlatformPriority: in.PlatformPriority,
		Data:             in.Data,
	})
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	if order.EndTime <= now {
		return nil
	}

	existing, err := s.repo.GetOrderByHash(ctx, in.ChainID, in.OrderHash)
	if err != nil {
		return err
	}
	wasFillable := false
	if existing != nil {
		// A recorded cancellation always outlives a replayed listing.
		if existing.IsCancelled {
			return nil
		}
		wasFillable = existing.Fillable(now)
		if !wasFillable {
			if !in.Force {
				return nil
			}
			// A force import never resurrects an order that already
			// filled on chain.
			sold, err := s.repo.HasSaleEvent(ctx, in.ChainID, order.Hash)
			if err != nil {
				return err
			}
			if sold {
				return nil
			}
		}
		order.ID = existing.ID
	}

	nft := nftLeg(assets)
	err = s.repo.InTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.UpsertOrderTx(ctx, tx, order, assets); err != nil {
			return err
		}
		if wasFillable || nft == nil {
			return nil
		}
		delta := repository.RollupDelta{
			ChainID:         in.ChainID,
			ContractAddress: nft.Token,
		}
		if order.Category == models.CategoryListing {
			delta.Listing = 1
		} else {
			delta.Offer = 1
		}
		return s.repo.BumpCollectionRollupTx(ctx, tx, delta)
	})
	if err != nil {
		return err
	}

	if nft != nil && s.best != nil {
		leg := *nft
		leg.OrderID = order.ID
		if err := s.best.ApplyOrder(ctx, order, leg); err != nil {
			return err
		}
	}
	return nil
}

// HandleCancelled marks an order cancelled and backs it out of the
// cache and counters. Cancellation is terminal.
func (s *EventService) HandleCancelled(ctx context.Context, chainID int64, orderHash string) error {
	if s == nil || s.repo == nil {
		return nil
	}
	order, err := s.repo.GetOrderByHash(ctx, chainID, orderHash)
	if err != nil || order == nil {
		return err
	}
	if order.IsCancelled {
		return nil
	}
	wasFillable := order.Fillable(time.Now().Unix())
	assets, err := s.repo.GetOrderAssets(ctx, order.ID)
	if err != nil {
		return err
	}
	nft := nftLeg(assets)
	err = s.repo.InTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.UpdateOrderCancelledTx(ctx, tx, order.ID); err != nil {
			return err
		}
		if wasFillable && nft != nil {
			delta := repository.RollupDelta{
				ChainID:         chainID,
				ContractAddress: nft.Token,
			}
			if order.Category == models.CategoryListing {
				delta.Listing = -1
			} else {
				delta.Offer = -1
			}
			return s.repo.BumpCollectionRollupTx(ctx, tx, delta)
		}
		return nil
	})
	if err != nil {
		return err
	}
	order.IsFillable = false
	order.IsCancelled = true
	if nft != nil && s.best != nil {
		return s.best.ApplyOrder(ctx, order, *nft)
	}
	return nil
}

// HandleSold re-validates every order a sale transaction filled so
// remaining amounts reflect the fill, or disables used-up orders. The
// receipt's fulfillment logs cover sweeps that fill several orders in
// one transaction; when the receipt is unavailable only the
// feed-reported order is checked.
func (s *EventService) HandleSold(ctx context.Context, chainID int64, orderHash, txHash string) error {
	if s == nil || s.repo == nil {
		return nil
	}
	primary, err := s.repo.GetOrderByHash(ctx, chainID, orderHash)
	if err != nil {
		return err
	}
	hashes := []string{strings.ToLower(orderHash)}
	if txHash != "" && primary != nil && s.validity != nil {
		fulfilled, err := s.validity.FulfilledOrderHashes(ctx, chainID, txHash, primary.ExchangeAddress)
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("sale receipt lookup failed",
					zap.String("tx", txHash),
					zap.Error(err))
			}
		}
		for _, h := range fulfilled {
			if !strings.EqualFold(h, orderHash) {
				hashes = append(hashes, strings.ToLower(h))
			}
		}
	}
	for _, h := range hashes {
		if err := s.checkSoldOrder(ctx, chainID, h); err != nil {
			return err
		}
	}
	return nil
}

func (s *EventService) checkSoldOrder(ctx context.Context, chainID int64, orderHash string) error {
	order, err := s.repo.GetOrderByHash(ctx, chainID, orderHash)
	if err != nil || order == nil {
		return err
	}
	assets, err := s.repo.GetOrderAssets(ctx, order.ID)
	if err != nil {
		return err
	}
	nft := nftLeg(assets)
	if nft == nil || s.validity == nil {
		return nil
	}
	return s.validity.CheckOrder(ctx, repository.BestCandidate{Order: *order, Asset: *nft})
}

// TransferInput describes an ownership change of one token.
type TransferInput struct {
	ChainID   int64
	Contract  string
	TokenID   string
	From      string
	To        string
	EventTime int64
}

// HandleTransfer re-validates listings of the moved token.
func (s *EventService) HandleTransfer(ctx context.Context, in TransferInput) error {
	if s == nil || s.validity == nil {
		return nil
	}
	return s.validity.CheckAssetAfterTransfer(ctx, in.ChainID, in.Contract, in.TokenID, in.From, in.EventTime)
}

// HandleHistoryEvent replays one history API event. Replay is
// idempotent: events already in the activity log are skipped.
func (s *EventService) HandleHistoryEvent(ctx context.Context, ev opensea.AssetEvent) error {
	if s == nil || s.repo == nil {
		return nil
	}
	chainID, ok := opensea.ChainID(ev.Chain)
	if !ok {
		return nil
	}
	nft := ev.TokenRef()
	if nft == nil {
		return nil
	}
	hash := strings.ToLower(ev.OrderHash)
	txHash := strings.ToLower(ev.Transaction)

	switch ev.EventType {
	case opensea.RestEventOrder:
		seen, err := s.repo.OrderEventExists(ctx, models.EventList, hash, "", chainID)
		if err != nil || seen {
			return err
		}
		data := ev.ProtocolData
		if data == nil {
			full, err := s.api.Order(ctx, chainID, ev.ProtocolAddress, ev.OrderHash)
			if err != nil {
				return err
			}
			data = &full.ProtocolData
		}
		err = s.HandleListed(ctx, ListedInput{
			ChainID:          chainID,
			OrderHash:        ev.OrderHash,
			ProtocolAddress:  ev.ProtocolAddress,
			PlatformPriority: models.PlatformExternal,
			Data:             data,
		})
		if skippable(err) {
			return nil
		}
		if err != nil {
			return err
		}
		return s.recordEvent(ctx, &models.OrderEvent{
			Kind:            models.EventList,
			Hash:            hash,
			ChainID:         chainID,
			ContractAddress: strings.ToLower(nft.Contract),
			TokenID:         nft.Identifier,
			Amount:          decimal.NewFromInt(int64(maxInt(ev.Quantity, 1))),
			Price:           paymentPrice(ev.Payment),
			CurrencySymbol:  paymentSymbol(ev.Payment),
			FromAddress:     strings.ToLower(ev.Maker),
			EventTime:       ev.EventTimestamp,
			Payload:         rawJSON(ev),
		})
	case opensea.RestEventCancel:
		seen, err := s.repo.OrderEventExists(ctx, models.EventCancel, hash, txHash, chainID)
		if err != nil || seen {
			return err
		}
		if err := s.HandleCancelled(ctx, chainID, ev.OrderHash); err != nil {
			return err
		}
		return s.recordEvent(ctx, &models.OrderEvent{
			Kind:            models.EventCancel,
			Hash:            hash,
			TxHash:          txHash,
			ChainID:         chainID,
			ContractAddress: strings.ToLower(nft.Contract),
			TokenID:         nft.Identifier,
			FromAddress:     strings.ToLower(ev.Maker),
			EventTime:       ev.EventTimestamp,
			Payload:         rawJSON(ev),
		})
	case opensea.RestEventSale:
		seen, err := s.repo.OrderEventExists(ctx, models.EventSale, hash, txHash, chainID)
		if err != nil || seen {
			return err
		}
		if err := s.HandleSold(ctx, chainID, ev.OrderHash, ev.Transaction); err != nil {
			return err
		}
		return s.recordEvent(ctx, &models.OrderEvent{
			Kind:            models.EventSale,
			Hash:            hash,
			TxHash:          txHash,
			ChainID:         chainID,
			ContractAddress: strings.ToLower(nft.Contract),
			TokenID:         nft.Identifier,
			Amount:          decimal.NewFromInt(int64(maxInt(ev.Quantity, 1))),
			Price:           paymentPrice(ev.Payment),
			CurrencySymbol:  paymentSymbol(ev.Payment),
			FromAddress:     strings.ToLower(ev.Maker),
			ToAddress:       strings.ToLower(ev.Taker),
			EventTime:       ev.EventTimestamp,
			Payload:         rawJSON(ev),
		})
	case opensea.RestEventTransfer:
		seen, err := s.repo.OrderEventExists(ctx, models.EventTransfer, "", txHash, chainID)
		if err != nil || seen {
			return err
		}
		if err := s.HandleTransfer(ctx, TransferInput{
			ChainID:   chainID,
			Contract:  nft.Contract,
			TokenID:   nft.Identifier,
			From:      ev.FromAddress,
			To:        ev.ToAddress,
			EventTime: ev.EventTimestamp,
		}); err != nil {
			return err
		}
		return s.recordEvent(ctx, &models.OrderEvent{
			Kind:            models.EventTransfer,
			TxHash:          txHash,
			ChainID:         chainID,
			ContractAddress: strings.ToLower(nft.Contract),
			TokenID:         nft.Identifier,
			Amount:          decimal.NewFromInt(int64(maxInt(ev.Quantity, 1))),
			FromAddress:     strings.ToLower(ev.FromAddress),
			ToAddress:       strings.ToLower(ev.ToAddress),
			EventTime:       ev.EventTimestamp,
			Payload:         rawJSON(ev),
		})
	}
	return nil
}

// ForceImportOrder fetches one order by hash and folds it in, turning a
// previously disabled order live again when chain state allows.
func (s *EventService) ForceImportOrder(ctx context.Context, chainID int64, protocolAddress, orderHash string) error {
	if s == nil || s.api == nil {
		return nil
	}
	full, err := s.api.Order(ctx, chainID, protocolAddress, orderHash)
	if err != nil {
		return err
	}
	if full.Cancelled {
		return s.HandleCancelled(ctx, chainID, orderHash)
	}
	addr := full.ProtocolAddress
	if addr == "" {
		addr = protocolAddress
	}
	return s.HandleListed(ctx, ListedInput{
		ChainID:          chainID,
		OrderHash:        orderHash,
		ProtocolAddress:  addr,
		PlatformPriority: models.PlatformExternal,
		Data:             &full.ProtocolData,
		Force:            true,
	})
}

// BootstrapCollection imports every live listing of a collection and
// seeds its counters. Run once when a collection enters the watch set.
func (s *EventService) BootstrapCollection(ctx context.Context, slug string) error {
	if s == nil || s.api == nil {
		return nil
	}
	info, err := s.api.Collection(ctx, slug)
	if err != nil {
		return err
	}
	listings, err := s.api.CollectionListings(ctx, slug)
	if err != nil {
		return err
	}
	imported := 0
	for i := range listings {
		ro := listings[i]
		chainID, ok := opensea.ChainID(ro.Chain)
		if !ok {
			continue
		}
		err := s.HandleListed(ctx, ListedInput{
			ChainID:          chainID,
			OrderHash:        ro.OrderHash,
			ProtocolAddress:  ro.ProtocolAddress,
			PlatformPriority: models.PlatformExternal,
			Data:             &ro.ProtocolData,
			Force:            true,
		})
		if skippable(err) {
			continue
		}
		if err != nil {
			return err
		}
		imported++
	}
	for _, contract := range info.Contracts {
		chainID, ok := opensea.ChainID(contract.Chain)
		if !ok {
			continue
		}
		if err := s.repo.SeedCollectionRollup(ctx, chainID, contract.Address); err != nil {
			return err
		}
	}
	if s.logger != nil {
		s.logger.Info("collection bootstrapped",
			zap.String("slug", slug),
			zap.Int("listings", imported))
	}
	return nil
}

// DisableCollectionOrders takes every live order of a contract out of
// the index, then rebuilds the touched cache rows and counters.
func (s *EventService) DisableCollectionOrders(ctx context.Context, chainID int64, contract string) error {
	if s == nil || s.repo == nil {
		return nil
	}
	candidates, err := s.repo.ListFillableOrdersByContract(ctx, chainID, contract)
	if err != nil {
		return err
	}
	n, err := s.repo.DisableContractOrders(ctx, chainID, contract)
	if err != nil {
		return err
	}
	touched := make(map[string]models.OrderAsset)
	for _, cand := range candidates {
		if cand.Asset.AssetID == "" {
			continue
		}
		touched[cand.Asset.AssetID] = cand.Asset
	}
	if s.best != nil {
		for assetID, asset := range touched {
			if err := s.best.Recompute(ctx, assetID, asset.ChainID, asset.Token, asset.IdentifierOrCriteria); err != nil {
				return err
			}
		}
	}
	if err := s.repo.SeedCollectionRollup(ctx, chainID, contract); err != nil {
		return err
	}
	if s.logger != nil {
		s.logger.Info("collection orders disabled",
			zap.Int64("chain_id", chainID),
			zap.String("contract", strings.ToLower(contract)),
			zap.Int64("orders", n))
	}
	return nil
}

func (s *EventService) recordEvent(ctx context.Context, item *models.OrderEvent) error {
	seen, err := s.repo.OrderEventExists(ctx, item.Kind, item.Hash, item.TxHash, item.ChainID)
	if err != nil || seen {
		return err
	}
	if item.EventTime == 0 {
		item.EventTime = time.Now().Unix()
	}
	if item.TokenID == "" {
		item.TokenID = "0"
	}
	return s.repo.InsertOrderEvent(ctx, item)
}

func nftLeg(assets []models.OrderAsset) *models.OrderAsset {
	for i := range assets {
		if assets[i].IsNFT() {
			return &assets[i]
		}
	}
	return nil
}

func parseEventTime(raw string) int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Now().Unix()
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Unix()
		}
	}
	return time.Now().Unix()
}

func parseBasePrice(raw string, decimals int) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero
	}
	if decimals <= 0 {
		decimals = 18
	}
	return d.Shift(int32(-decimals))
}

func paymentPrice(p *opensea.PaymentAmount) decimal.Decimal {
	if p == nil {
		return decimal.Zero
	}
	return parseBasePrice(p.Quantity, p.Decimals)
}

func paymentSymbol(p *opensea.PaymentAmount) string {
	if p == nil {
		return ""
	}
	return p.Symbol
}

func rawJSON(v any) datatypes.JSON {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
