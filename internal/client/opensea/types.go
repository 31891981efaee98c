package opensea

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Stream event types.
const (
	EventItemListed      = "item_listed"
	EventItemSold        = "item_sold"
	EventItemTransferred = "item_transferred"
	EventItemCancelled   = "item_cancelled"
)

// PhoenixMessage is the wire envelope of the stream socket.
type PhoenixMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     int64           `json:"ref"`
}

// StreamEvent is the payload carried inside a collection topic message.
type StreamEvent struct {
	EventType string          `json:"event_type"`
	SentAt    string          `json:"sent_at"`
	Payload   json.RawMessage `json:"payload"`
}

type Account struct {
	Address string `json:"address"`
}

type PaymentToken struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

type Transaction struct {
	Hash      string `json:"hash"`
	Timestamp string `json:"timestamp"`
}

type ItemChain struct {
	Name string `json:"name"`
}

type Item struct {
	NFTID string    `json:"nft_id"`
	Chain ItemChain `json:"chain"`
}

// ItemEventPayload covers the listed, sold, transferred and cancelled
// stream events. Fields absent for a given event type stay zero.
type ItemEventPayload struct {
	Item       Item `json:"item"`
	Collection struct {
		Slug string `json:"slug"`
	} `json:"collection"`

	OrderHash       string `json:"order_hash"`
	ProtocolAddress string `json:"protocol_address"`
	EventTimestamp  string `json:"event_timestamp"`

	BasePrice    string       `json:"base_price"`
	SalePrice    string       `json:"sale_price"`
	Quantity     int          `json:"quantity"`
	PaymentToken PaymentToken `json:"payment_token"`

	Maker       Account `json:"maker"`
	Taker       Account `json:"taker"`
	FromAccount Account `json:"from_account"`
	ToAccount   Account `json:"to_account"`

	Transaction Transaction `json:"transaction"`

	ListingDate    string `json:"listing_date"`
	ExpirationDate string `json:"expiration_date"`
	IsPrivate      bool   `json:"is_private"`

	ProtocolData *SeaportProtocolData `json:"protocol_data"`
}

// SeaportProtocolData is the signed Seaport order attached to listed
// events and order lookups.
type SeaportProtocolData struct {
	Parameters SeaportParameters `json:"parameters"`
	Signature  string            `json:"signature"`
}

type SeaportParameters struct {
	Offerer       string                     `json:"offerer"`
	Zone          string                     `json:"zone"`
	Offer         []SeaportOfferItem         `json:"offer"`
	Consideration []SeaportConsiderationItem `json:"consideration"`
	OrderType     int                        `json:"orderType"`
	StartTime     json.Number                `json:"startTime"`
	EndTime       json.Number                `json:"endTime"`
	ZoneHash      string                     `json:"zoneHash"`
	Salt          string                     `json:"salt"`
	ConduitKey    string                     `json:"conduitKey"`
	Counter       json.Number                `json:"counter"`

	TotalOriginalConsiderationItems int `json:"totalOriginalConsiderationItems"`
}

type SeaportOfferItem struct {
	ItemType             int    `json:"itemType"`
	Token                string `json:"token"`
	IdentifierOrCriteria string `json:"identifierOrCriteria"`
	StartAmount          string `json:"startAmount"`
	EndAmount            string `json:"endAmount"`
}

type SeaportConsiderationItem struct {
	ItemType             int    `json:"itemType"`
	Token                string `json:"token"`
	IdentifierOrCriteria string `json:"identifierOrCriteria"`
	StartAmount          string `json:"startAmount"`
	EndAmount            string `json:"endAmount"`
	Recipient            string `json:"recipient"`
}

// --- REST -------------------------------------------------------------------

// History event types accepted by the events endpoint.
const (
	RestEventOrder    = "order"
	RestEventSale     = "sale"
	RestEventTransfer = "transfer"
	RestEventCancel   = "cancel"
)

type RestNFT struct {
	Identifier string `json:"identifier"`
	Contract   string `json:"contract"`
	Collection string `json:"collection"`
}

type PaymentAmount struct {
	Quantity     string `json:"quantity"`
	TokenAddress string `json:"token_address"`
	Symbol       string `json:"symbol"`
	Decimals     int    `json:"decimals"`
}

// AssetEvent is one row of the collection events history.
type AssetEvent struct {
	EventType       string `json:"event_type"`
	OrderHash       string `json:"order_hash"`
	OrderType       string `json:"order_type"`
	Chain           string `json:"chain"`
	ProtocolAddress string `json:"protocol_address"`

	StartDate      int64 `json:"start_date"`
	ExpirationDate int64 `json:"expiration_date"`
	EventTimestamp int64 `json:"event_timestamp"`

	Transaction string `json:"transaction"`
	Maker       string `json:"maker"`
	Taker       string `json:"taker"`
	FromAddress string `json:"from_address"`
	ToAddress   string `json:"to_address"`

	Quantity int            `json:"quantity"`
	Payment  *PaymentAmount `json:"payment"`
	NFT      *RestNFT       `json:"nft"`
	Asset    *RestNFT       `json:"asset"`

	ProtocolData *SeaportProtocolData `json:"protocol_data"`
}

// TokenRef returns the NFT leg of the event, whichever field carries it.
func (e *AssetEvent) TokenRef() *RestNFT {
	if e == nil {
		return nil
	}
	if e.NFT != nil {
		return e.NFT
	}
	return e.Asset
}

type eventsResponse struct {
	AssetEvents []AssetEvent `json:"asset_events"`
	Next        string       `json:"next"`
}

// RestOrder is a full order returned by the orders endpoints.
type RestOrder struct {
	OrderHash       string              `json:"order_hash"`
	Chain           string              `json:"chain"`
	Type            string              `json:"type"`
	ProtocolAddress string              `json:"protocol_address"`
	ProtocolData    SeaportProtocolData `json:"protocol_data"`
	CurrentPrice    string              `json:"current_price"`
	Cancelled       bool                `json:"cancelled"`
	Finalized       bool                `json:"finalized"`
}

type listingsResponse struct {
	Listings []RestOrder `json:"listings"`
	Next     string      `json:"next"`
}

type ordersResponse struct {
	Orders []RestOrder `json:"orders"`
	Next   string      `json:"next"`
}

type orderResponse struct {
	Order *RestOrder `json:"order"`
}

type CollectionContract struct {
	Address string `json:"address"`
	Chain   string `json:"chain"`
}

type CollectionInfo struct {
	Collection string               `json:"collection"`
	Name       string               `json:"name"`
	Contracts  []CollectionContract `json:"contracts"`
}

// --- helpers ----------------------------------------------------------------

var chainIDByName = map[string]int64{
	"ethereum": 1,
	"matic":    137,
	"polygon":  137,
	"base":     8453,
	"arbitrum": 42161,
	"optimism": 10,
	"sepolia":  11155111,
}

// ChainID maps a chain name used on the feed to its numeric chain id.
func ChainID(name string) (int64, bool) {
	id, ok := chainIDByName[strings.ToLower(strings.TrimSpace(name))]
	return id, ok
}

// ChainName maps a numeric chain id back to the name the API expects.
func ChainName(id int64) (string, bool) {
	switch id {
	case 1:
		return "ethereum", true
	case 137:
		return "matic", true
	case 8453:
		return "base", true
	case 42161:
		return "arbitrum", true
	case 10:
		return "optimism", true
	case 11155111:
		return "sepolia", true
	}
	return "", false
}

// ParseNFTID splits "chain/contract/tokenID" into its parts.
func ParseNFTID(nftID string) (chain, contract, tokenID string, err error) {
	parts := strings.Split(strings.TrimSpace(nftID), "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("malformed nft id: %q", nftID)
	}
	return parts[0], strings.ToLower(parts[1]), parts[2], nil
}

// CollectionTopic builds the stream topic for a collection slug.
func CollectionTopic(slug string) string {
	return "collection:" + slug
}

// SlugFromTopic strips the topic prefix. Returns "" for non-collection topics.
func SlugFromTopic(topic string) string {
	if !strings.HasPrefix(topic, "collection:") {
		return ""
	}
	return strings.TrimPrefix(topic, "collection:")
}
