package mercari

import (
	"encoding/json"
	"fmt"

	"gazer/internal/gallery"
)

// searchRequest is the entities:search payload. Only the fields the scrape
// needs are populated; the API tolerates omitted ones.
type searchRequest struct {
	UserID          string      `json:"userId"`
	PageSize        int         `json:"pageSize"`
	PageToken       string      `json:"pageToken,omitempty"`
	SearchSessionID string      `json:"searchSessionId"`
	Query           searchQuery `json:"searchCondition"`
}

type searchQuery struct {
	Keyword        string   `json:"keyword"`
	ExcludeKeyword string   `json:"excludeKeyword,omitempty"`
	PriceMin       int64    `json:"priceMin,omitempty"`
	PriceMax       int64    `json:"priceMax,omitempty"`
	Sort           string   `json:"sort"`
	Order          string   `json:"order"`
	Status         []string `json:"status"`
}

func newSearchRequest(sessionID string, criteria gallery.SearchCriteria, pageToken string, pageSize int) searchRequest {
	query := searchQuery{
		Keyword:        criteria.Keyword,
		ExcludeKeyword: criteria.ExcludeKeyword,
		Sort:           "SORT_UPDATED_TIME",
		Order:          "ORDER_DESC",
		Status:         []string{"STATUS_ON_SALE"},
	}
	if criteria.MinPrice != nil {
		query.PriceMin = *criteria.MinPrice
	}
	if criteria.MaxPrice != nil {
		query.PriceMax = *criteria.MaxPrice
	}
	return searchRequest{
		PageSize:        pageSize,
		PageToken:       pageToken,
		SearchSessionID: sessionID,
		Query:           query,
	}
}

type searchResponse struct {
	Items []searchItem `json:"items"`
	Meta  searchMeta   `json:"meta"`
}

type searchItem struct {
	ID      string      `json:"id"`
	Updated json.Number `json:"updated"`
}

type searchMeta struct {
	NextPageToken string `json:"nextPageToken"`
}

// itemResponse wraps the items/get payload.
type itemResponse struct {
	Data itemData `json:"data"`
}

type itemData struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Price         json.Number `json:"price"`
	Description   string      `json:"description"`
	Status        string      `json:"status"`
	Seller        itemSeller  `json:"seller"`
	ItemCategory  namedEntity `json:"item_category"`
	Photos        []string    `json:"photos"`
	Thumbnails    []string    `json:"thumbnails"`
	ItemCondition namedEntity `json:"item_condition"`
	Created       json.Number `json:"created"`
	Updated       json.Number `json:"updated"`
}

type itemSeller struct {
	ID json.Number `json:"id"`
}

type namedEntity struct {
	Name string `json:"name"`
}

func (d itemData) toItemData() (*gallery.MarketplaceItemData, error) {
	price, err := d.Price.Int64()
	if err != nil {
		return nil, fmt.Errorf("parse price: %w", err)
	}
	created, err := d.Created.Int64()
	if err != nil {
		return nil, fmt.Errorf("parse created: %w", err)
	}
	updated, err := d.Updated.Int64()
	if err != nil {
		return nil, fmt.Errorf("parse updated: %w", err)
	}

	// Full-size photos are preferred; thumbnails are the fallback the API
	// returns for older listings.
	thumbnails := d.Photos
	if len(thumbnails) == 0 {
		thumbnails = d.Thumbnails
	}

	return &gallery.MarketplaceItemData{
		ItemID:        d.ID,
		Name:          d.Name,
		Price:         price,
		Description:   d.Description,
		Status:        d.Status,
		SellerID:      d.Seller.ID.String(),
		Category:      d.ItemCategory.Name,
		Thumbnails:    thumbnails,
		ItemCondition: d.ItemCondition.Name,
		Created:       gallery.UnixTime(created),
		Updated:       gallery.UnixTime(updated),
	}, nil
}
