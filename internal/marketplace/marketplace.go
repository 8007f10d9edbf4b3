// Package marketplace defines the uniform scraping interface the pipeline
// uses and the registry that dispatches on the marketplace tag.
package marketplace

import (
	"context"
	"fmt"
	"sync"

	"gazer/internal/gallery"
)

// ItemResult is one per-id outcome of an item scrape. Exactly one of Item
// and Err is set.
type ItemResult struct {
	Item *gallery.MarketplaceItemData
	Err  error
}

// Adapter scrapes one marketplace.
//
// SearchScrape returns item ids newer than since, newest first, paginating
// until the source stops returning a page token or an item at or before
// since is seen. A zero since means fetch everything available.
//
// ItemScrape fetches details for every id. Per-id failures are isolated;
// the result has the same length as ids, except when request signing setup
// itself fails, which yields a single error entry.
type Adapter interface {
	SearchScrape(ctx context.Context, criteria gallery.SearchCriteria, since gallery.UnixTime) ([]string, error)
	ItemScrape(ctx context.Context, ids []string) []ItemResult
}

// Registry maps marketplace tags to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[gallery.Marketplace]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[gallery.Marketplace]Adapter)}
}

// Register installs an adapter for a marketplace, replacing any previous one.
func (r *Registry) Register(m gallery.Marketplace, adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[m] = adapter
}

// Get returns the adapter for m.
func (r *Registry) Get(m gallery.Marketplace) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[m]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for marketplace %q", m)
	}
	return adapter, nil
}
