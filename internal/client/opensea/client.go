package opensea

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

const DefaultAPIBaseURL = "https://api.opensea.io"

type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Body)
}

type ClientOptions struct {
	BaseURL       string
	APIKeys       []string
	HTTPClient    *http.Client
	PageSleep     time.Duration
	RetryAttempts int
}

// Client talks to the marketplace REST API. Requests rotate through the
// configured API keys; a rate limited response retries on the next key.
type Client struct {
	baseURL       string
	keys          []string
	keyIdx        atomic.Int64
	httpClient    *http.Client
	pageSleep     time.Duration
	retryAttempts int
}

func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultAPIBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	retries := opts.RetryAttempts
	if retries <= 0 {
		retries = 3
	}
	return &Client{
		baseURL:       baseURL,
		keys:          opts.APIKeys,
		httpClient:    httpClient,
		pageSleep:     opts.PageSleep,
		retryAttempts: retries,
	}
}

func (c *Client) nextKey() string {
	if len(c.keys) == 0 {
		return ""
	}
	idx := c.keyIdx.Add(1)
	return c.keys[int(idx)%len(c.keys)]
}

func (c *Client) doRequest(ctx context.Context, path string, query url.Values) ([]byte, error) {
	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL = fullURL + "?" + query.Encode()
	}
	var lastErr error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if key := c.nextKey(); key != "" {
			req.Header.Set("X-API-KEY", key)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		if resp.StatusCode == http.StatusOK {
			return body, nil
		}
		lastErr = &APIError{Status: resp.StatusCode, Body: string(body)}
		if resp.StatusCode != http.StatusTooManyRequests {
			return nil, lastErr
		}
		// Rate limited: the next attempt picks up the next key.
		if err := sleepCtx(ctx, time.Second); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// CollectionEvents fetches the full event history of a collection in
// (after, before], following pagination. Results come back ascending by
// timestamp with sales ordered before transfers at equal timestamps, so
// replay applies ownership changes after the sale that caused them.
func (c *Client) CollectionEvents(ctx context.Context, slug string, after, before int64, eventTypes []string) ([]AssetEvent, error) {
	if slug == "" {
		return nil, fmt.Errorf("collection slug is required")
	}
	if len(eventTypes) == 0 {
		eventTypes = []string{RestEventOrder, RestEventSale, RestEventTransfer, RestEventCancel}
	}
	var all []AssetEvent
	next := ""
	for {
		query := url.Values{}
		if after > 0 {
			query.Set("after", fmt.Sprintf("%d", after))
		}
		if before > 0 {
			query.Set("before", fmt.Sprintf("%d", before))
		}
		for _, t := range eventTypes {
			query.Add("event_type", t)
		}
		if next != "" {
			query.Set("next", next)
		}
		body, err := c.doRequest(ctx, "/api/v2/events/collection/"+url.PathEscape(slug), query)
		if err != nil {
			return nil, err
		}
		var page eventsResponse
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("failed to parse events page: %w", err)
		}
		all = append(all, page.AssetEvents...)
		if page.Next == "" {
			break
		}
		next = page.Next
		if err := sleepCtx(ctx, c.pageSleep); err != nil {
			return nil, err
		}
	}
	sortEventsForReplay(all)
	return all, nil
}

func sortEventsForReplay(events []AssetEvent) {
	rank := func(t string) int {
		if t == RestEventSale {
			return 0
		}
		return 1
	}
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].EventTimestamp != events[j].EventTimestamp {
			return events[i].EventTimestamp < events[j].EventTimestamp
		}
		return rank(events[i].EventType) < rank(events[j].EventType)
	})
}

// Collection fetches collection metadata, including its contracts.
func (c *Client) Collection(ctx context.Context, slug string) (*CollectionInfo, error) {
	if slug == "" {
		return nil, fmt.Errorf("collection slug is required")
	}
	body, err := c.doRequest(ctx, "/api/v2/collections/"+url.PathEscape(slug), nil)
	if err != nil {
		return nil, err
	}
	var info CollectionInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to parse collection: %w", err)
	}
	return &info, nil
}

// NFTListings fetches every live listing of one NFT, following pagination.
func (c *Client) NFTListings(ctx context.Context, chainID int64, contract, tokenID string) ([]RestOrder, error) {
	chain, ok := ChainName(chainID)
	if !ok {
		return nil, fmt.Errorf("unsupported chain id: %d", chainID)
	}
	var all []RestOrder
	next := ""
	for {
		query := url.Values{}
		query.Set("asset_contract_address", contract)
		query.Set("token_ids", tokenID)
		if next != "" {
			query.Set("cursor", next)
		}
		body, err := c.doRequest(ctx, "/api/v2/orders/"+chain+"/seaport/listings", query)
		if err != nil {
			return nil, err
		}
		var page ordersResponse
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("failed to parse listings page: %w", err)
		}
		all = append(all, page.Orders...)
		if page.Next == "" {
			break
		}
		next = page.Next
		if err := sleepCtx(ctx, c.pageSleep); err != nil {
			return nil, err
		}
	}
	return all, nil
}

// CollectionListings fetches every live listing of a collection,
// following pagination.
func (c *Client) CollectionListings(ctx context.Context, slug string) ([]RestOrder, error) {
	if slug == "" {
		return nil, fmt.Errorf("collection slug is required")
	}
	var all []RestOrder
	next := ""
	for {
		query := url.Values{}
		if next != "" {
			query.Set("next", next)
		}
		body, err := c.doRequest(ctx, "/api/v2/listings/collection/"+url.PathEscape(slug)+"/all", query)
		if err != nil {
			return nil, err
		}
		var page listingsResponse
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("failed to parse listings page: %w", err)
		}
		all = append(all, page.Listings...)
		if page.Next == "" {
			break
		}
		next = page.Next
		if err := sleepCtx(ctx, c.pageSleep); err != nil {
			return nil, err
		}
	}
	return all, nil
}

// Order fetches a single order by hash.
func (c *Client) Order(ctx context.Context, chainID int64, protocolAddress, orderHash string) (*RestOrder, error) {
	chain, ok := ChainName(chainID)
	if !ok {
		return nil, fmt.Errorf("unsupported chain id: %d", chainID)
	}
	if orderHash == "" {
		return nil, fmt.Errorf("order hash is required")
	}
	path := fmt.Sprintf("/api/v2/orders/chain/%s/protocol/%s/%s",
		chain, url.PathEscape(strings.ToLower(protocolAddress)), url.PathEscape(orderHash))
	body, err := c.doRequest(ctx, path, nil)
	if err != nil {
		return nil, err
	}
	var out orderResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to parse order: %w", err)
	}
	if out.Order == nil {
		return nil, fmt.Errorf("order %s not found", orderHash)
	}
	return out.Order, nil
}
