package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"aggregator/internal/client/opensea"
	"aggregator/internal/models"
	"aggregator/internal/repository"
)

// Normalization rejections. Callers skip the order and keep going.
var (
	ErrBundleOrder          = errors.New("order carries more than one nft item")
	ErrPrivateListing       = errors.New("order is a private listing")
	ErrUnknownCurrency      = errors.New("order priced in an unknown currency")
	ErrMissingPriceTerms    = errors.New("order is missing price terms")
	ErrUnsupportedOrderType = errors.New("unsupported order type")
)

// Normalizer turns signed Seaport orders into indexable rows. It keeps
// the accepted currency set in memory and refreshes it on demand.
type Normalizer struct {
	repo   repository.Repository
	logger *zap.Logger

	mu         sync.RWMutex
	currencies map[string]models.Currency
}

func NewNormalizer(repo repository.Repository, logger *zap.Logger) *Normalizer {
	return &Normalizer{
		repo:       repo,
		logger:     logger,
		currencies: make(map[string]models.Currency),
	}
}

// ReloadCurrencies refreshes the in-memory currency set from the database.
func (n *Normalizer) ReloadCurrencies(ctx context.Context) error {
	if n == nil || n.repo == nil {
		return nil
	}
	items, err := n.repo.ListCurrencies(ctx, 0)
	if err != nil {
		return err
	}
	next := make(map[string]models.Currency, len(items))
	for _, c := range items {
		next[currencyKey(c.ChainID, c.Address)] = c
	}
	n.mu.Lock()
	n.currencies = next
	n.mu.Unlock()
	return nil
}

func (n *Normalizer) lookupCurrency(ctx context.Context, chainID int64, address string) (models.Currency, bool) {
	key := currencyKey(chainID, address)
	n.mu.RLock()
	c, ok := n.currencies[key]
	n.mu.RUnlock()
	if ok {
		return c, true
	}
	if n.repo == nil {
		return models.Currency{}, false
	}
	item, err := n.repo.GetCurrencyByAddress(ctx, chainID, address)
	if err != nil || item == nil {
		return models.Currency{}, false
	}
	n.mu.Lock()
	n.currencies[key] = *item
	n.mu.Unlock()
	return *item, true
}

func currencyKey(chainID int64, address string) string {
	return fmt.Sprintf("%d:%s", chainID, strings.ToLower(address))
}

// NormalizeInput is everything known about a raw order besides its
// protocol data.
type NormalizeInput struct {
	ChainID          int64
	OrderHash        string
	ProtocolAddress  string
	PlatformPriority int
	Data             *opensea.SeaportProtocolData
}

// Normalize validates a raw order and produces the order row plus its
// item legs. Rejected orders return one of the sentinel errors above.
func (n *Normalizer) Normalize(ctx context.Context, in NormalizeInput) (*models.Order, []models.OrderAsset, error) {
	if in.Data == nil {
		return nil, nil, ErrMissingPriceTerms
	}
	params := in.Data.Parameters
	if params.OrderType != models.OrderTypeFullOpen && params.OrderType != models.OrderTypePartialOpen {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnsupportedOrderType, params.OrderType)
	}

	type leg struct {
		item      opensea.SeaportOfferItem
		side      int
		recipient string
	}
	legs := make([]leg, 0, len(params.Offer)+len(params.Consideration))
	for _, item := range params.Offer {
		legs = append(legs, leg{item: item, side: models.SideOffer})
	}
	for _, item := range params.Consideration {
		legs = append(legs, leg{
			item: opensea.SeaportOfferItem{
				ItemType:             item.ItemType,
				Token:                item.Token,
				IdentifierOrCriteria: item.IdentifierOrCriteria,
				StartAmount:          item.StartAmount,
				EndAmount:            item.EndAmount,
			},
			side:      models.SideConsideration,
			recipient: item.Recipient,
		})
	}

	var nftLegs []leg
	var currencyLegs []leg
	for _, l := range legs {
		switch l.item.ItemType {
		case models.ItemTypeNative, models.ItemTypeERC20:
			currencyLegs = append(currencyLegs, l)
		case models.ItemTypeERC721, models.ItemTypeERC1155,
			models.ItemTypeERC721Criteria, models.ItemTypeERC1155Criteria:
			nftLegs = append(nftLegs, l)
		default:
			return nil, nil, fmt.Errorf("%w: item type %d", ErrUnsupportedOrderType, l.item.ItemType)
		}
	}
	if len(nftLegs) == 0 || len(currencyLegs) == 0 {
		return nil, nil, ErrMissingPriceTerms
	}
	if len(nftLegs) > 1 {
		// An offer-side NFT plus a named-recipient consideration NFT is
		// a direct sale to one buyer, not a bundle.
		if len(nftLegs) == 2 && nftLegs[0].side != nftLegs[1].side {
			return nil, nil, ErrPrivateListing
		}
		return nil, nil, ErrBundleOrder
	}
	nft := nftLegs[0]

	category := models.CategoryListing
	if nft.side == models.SideConsideration {
		category = models.CategoryOffer
	}

	// All currency legs must settle in the same token; the consideration
	// split (fees, royalties) still sums into one total.
	currencyToken := strings.ToLower(currencyLegs[0].item.Token)
	total := decimal.Zero
	for _, l := range currencyLegs {
		if strings.ToLower(l.item.Token) != currencyToken {
			return nil, nil, ErrUnknownCurrency
		}
		if category == models.CategoryListing && l.side != models.SideConsideration {
			return nil, nil, ErrMissingPriceTerms
		}
		amount, err := decimal.NewFromString(l.item.StartAmount)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: bad amount %q", ErrMissingPriceTerms, l.item.StartAmount)
		}
		// An offer's price is what the offerer puts up, not the fee split.
		if category == models.CategoryOffer && l.side != models.SideOffer {
			continue
		}
		total = total.Add(amount)
	}
	currency, ok := n.lookupCurrency(ctx, in.ChainID, currencyToken)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownCurrency, currencyToken)
	}
	if total.IsZero() {
		return nil, nil, ErrMissingPriceTerms
	}

	quantity, err := decimal.NewFromString(nft.item.StartAmount)
	if err != nil || quantity.IsZero() {
		return nil, nil, fmt.Errorf("%w: bad nft quantity %q", ErrMissingPriceTerms, nft.item.StartAmount)
	}
	price := total.Shift(int32(-currency.Decimals))
	perPrice := price.Div(quantity)

	startTime, err := params.StartTime.Int64()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: bad start time", ErrMissingPriceTerms)
	}
	endTime, err := params.EndTime.Int64()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: bad end time", ErrMissingPriceTerms)
	}

	order := &models.Order{
		Hash:             strings.ToLower(in.OrderHash),
		ChainID:          in.ChainID,
		ExchangeAddress:  strings.ToLower(in.ProtocolAddress),
		Category:         category,
		OrderType:        params.OrderType,
		Offerer:          strings.ToLower(params.Offerer),
		Price:            price,
		PerPrice:         perPrice,
		CurrencySymbol:   currency.Symbol,
		PlatformPriority: in.PlatformPriority,
		StartTime:        startTime,
		EndTime:          endTime,
		IsFillable:       true,
		Salt:             params.Salt,
		Signature:        in.Data.Signature,
	}

	assets := make([]models.OrderAsset, 0, len(legs))
	for _, l := range legs {
		start, err := decimal.NewFromString(l.item.StartAmount)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: bad amount %q", ErrMissingPriceTerms, l.item.StartAmount)
		}
		end, err := decimal.NewFromString(l.item.EndAmount)
		if err != nil {
			end = start
		}
		row := models.OrderAsset{
			Side:                 l.side,
			ItemType:             l.item.ItemType,
			ChainID:              in.ChainID,
			Token:                strings.ToLower(l.item.Token),
			IdentifierOrCriteria: l.item.IdentifierOrCriteria,
			StartAmount:          start,
			EndAmount:            end,
			AvailableAmount:      start,
			Recipient:            strings.ToLower(l.recipient),
		}
		if row.IdentifierOrCriteria == "" {
			row.IdentifierOrCriteria = "0"
		}
		if l.item.ItemType == models.ItemTypeERC721 || l.item.ItemType == models.ItemTypeERC1155 {
			row.AssetID = models.AssetKey(in.ChainID, row.Token, row.IdentifierOrCriteria)
		}
		assets = append(assets, row)
	}
	return order, assets, nil
}
