// Package mercari implements the marketplace adapter for Mercari's
// unofficial JSON API. Requests carry a DPoP proof signed with an
// ephemeral ES256 key.
package mercari

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"gazer/internal/gallery"
	"gazer/internal/httpclient"
	"gazer/internal/logging"
	"gazer/internal/marketplace"
)

const (
	defaultSearchEndpoint = "https://api.mercari.jp/v2/entities:search"
	defaultItemEndpoint   = "https://api.mercari.jp/items/get"
	defaultPageSize       = 120
	itemScrapeParallelism = 8
	maxResponseBytes      = 8 << 20
)

// Config holds the Mercari client settings. Zero values select the public
// endpoints and defaults.
type Config struct {
	SearchEndpoint string
	ItemEndpoint   string
	PageSize       int
	HTTPClient     *http.Client
	Logger         logging.Logger
}

// Client is the Mercari marketplace adapter.
type Client struct {
	searchEndpoint string
	itemEndpoint   string
	pageSize       int
	httpClient     *http.Client
	logger         logging.Logger
}

var _ marketplace.Adapter = (*Client)(nil)

// New constructs a Client.
func New(cfg Config) *Client {
	if cfg.SearchEndpoint == "" {
		cfg.SearchEndpoint = defaultSearchEndpoint
	}
	if cfg.ItemEndpoint == "" {
		cfg.ItemEndpoint = defaultItemEndpoint
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpclient.New(30 * time.Second)
	}
	return &Client{
		searchEndpoint: cfg.SearchEndpoint,
		itemEndpoint:   cfg.ItemEndpoint,
		pageSize:       cfg.PageSize,
		httpClient:     cfg.HTTPClient,
		logger:         logging.OrNop(cfg.Logger),
	}
}

// SearchScrape pages through search results for criteria and returns ids of
// items strictly newer than since, newest first. A zero since fetches all
// available pages.
func (c *Client) SearchScrape(ctx context.Context, criteria gallery.SearchCriteria, since gallery.UnixTime) ([]string, error) {
	signer, err := newDPoPSigner()
	if err != nil {
		return nil, err
	}

	sessionID := uuid.NewString()
	var ids []string
	pageToken := ""
	for {
		page, err := c.searchPage(ctx, signer, sessionID, criteria, pageToken)
		if err != nil {
			return nil, err
		}

		stop := false
		for _, item := range page.Items {
			updated, err := item.Updated.Int64()
			if err != nil {
				return nil, fmt.Errorf("parse item %s updated time: %w", item.ID, err)
			}
			if !since.IsZero() && gallery.UnixTime(updated) <= since {
				stop = true
				break
			}
			ids = append(ids, item.ID)
		}
		if stop || page.Meta.NextPageToken == "" {
			break
		}
		pageToken = page.Meta.NextPageToken
	}

	c.logger.Debug("mercari search %q since %d returned %d ids", criteria.Keyword, int64(since), len(ids))
	return ids, nil
}

func (c *Client) searchPage(ctx context.Context, signer *dpopSigner, sessionID string, criteria gallery.SearchCriteria, pageToken string) (*searchResponse, error) {
	payload := newSearchRequest(sessionID, criteria, pageToken, c.pageSize)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.searchEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	proof, err := signer.Sign(http.MethodPost, c.searchEndpoint)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("DPoP", proof)
	req.Header.Set("X-Platform", "web")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	data, err := httpclient.ReadAllWithLimit(resp.Body, maxResponseBytes)
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}
	if !httpclient.Is2xx(resp.StatusCode) {
		return nil, httpclient.StatusError{StatusCode: resp.StatusCode, Body: truncate(string(data), 512)}
	}

	var parsed searchResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return &parsed, nil
}

// ItemScrape fetches item details for every id. Per-id failures are
// isolated; the result has one entry per id in input order. If DPoP key
// generation fails, a single error entry is returned.
func (c *Client) ItemScrape(ctx context.Context, ids []string) []marketplace.ItemResult {
	signer, err := newDPoPSigner()
	if err != nil {
		return []marketplace.ItemResult{{Err: err}}
	}

	results := make([]marketplace.ItemResult, len(ids))
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(itemScrapeParallelism)
	for i, id := range ids {
		group.Go(func() error {
			item, err := c.fetchItem(ctx, signer, id)
			if err != nil {
				results[i] = marketplace.ItemResult{Err: fmt.Errorf("item %s: %w", id, err)}
				return nil
			}
			results[i] = marketplace.ItemResult{Item: item}
			return nil
		})
	}
	_ = group.Wait()
	return results
}

func (c *Client) fetchItem(ctx context.Context, signer *dpopSigner, id string) (*gallery.MarketplaceItemData, error) {
	endpoint := c.itemEndpoint + "?" + url.Values{"id": {id}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	proof, err := signer.Sign(http.MethodGet, c.itemEndpoint)
	if err != nil {
		return nil, err
	}
	req.Header.Set("DPoP", proof)
	req.Header.Set("X-Platform", "web")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("item request: %w", err)
	}
	defer resp.Body.Close()

	data, err := httpclient.ReadAllWithLimit(resp.Body, maxResponseBytes)
	if err != nil {
		return nil, fmt.Errorf("read item response: %w", err)
	}
	if !httpclient.Is2xx(resp.StatusCode) {
		return nil, httpclient.StatusError{StatusCode: resp.StatusCode, Body: truncate(string(data), 512)}
	}

	var parsed itemResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decode item response: %w", err)
	}
	return parsed.Data.toItemData()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
