// Package pipeline runs the five-stage scraping pipeline for one gallery
// tick: search scrape, item scrape, LLM analysis, embedding, storage. Each
// stage consumes one typed state and produces the next; the state types
// make it impossible to skip or reorder stages.
package pipeline

import (
	"gazer/internal/analysis"
	"gazer/internal/embedding"
	"gazer/internal/gallery"
)

// Core carries the fields every stage state shares. UpdatedDatetimes and
// FailedMarketplaces are disjoint by construction: a marketplace appears in
// exactly one of them after stage 1.
type Core struct {
	GalleryID          gallery.ID
	UpdatedDatetimes   map[gallery.Marketplace]gallery.UnixTime
	FailedMarketplaces map[gallery.Marketplace]string
	EvaluationCriteria gallery.EvaluationCriteria
}

// SearchScraping is the initial state built from a scheduler snapshot.
type SearchScraping struct {
	Core
	SearchCriteria  gallery.SearchCriteria
	PreviousScraped map[gallery.Marketplace]gallery.UnixTime
}

// NewSearchScraping builds the stage-1 input from a gallery snapshot.
func NewSearchScraping(state gallery.SchedulerState) SearchScraping {
	previous := make(map[gallery.Marketplace]gallery.UnixTime, len(state.PreviousScraped))
	for m, t := range state.PreviousScraped {
		previous[m] = t
	}
	return SearchScraping{
		Core: Core{
			GalleryID:          state.GalleryID,
			UpdatedDatetimes:   make(map[gallery.Marketplace]gallery.UnixTime),
			FailedMarketplaces: make(map[gallery.Marketplace]string),
			EvaluationCriteria: state.EvaluationCriteria,
		},
		SearchCriteria:  state.SearchCriteria,
		PreviousScraped: previous,
	}
}

// ItemScraping holds the ids found per marketplace. Only marketplaces whose
// search succeeded are present.
type ItemScraping struct {
	Core
	ItemIDs map[gallery.Marketplace][]string
}

// ItemAnalysis holds the successfully fetched item details.
type ItemAnalysis struct {
	Core
	Items map[gallery.Marketplace][]gallery.MarketplaceItemData
}

// ItemEmbedding holds the per-marketplace analysis partitions.
type ItemEmbedding struct {
	Core
	Items map[gallery.Marketplace]analysis.MarketplaceAnalyzedItems
}

// MarketplaceEmbeddedAndAnalyzedItems is the final per-marketplace
// partitioning. Items never migrate between partitions once assigned.
type MarketplaceEmbeddedAndAnalyzedItems struct {
	Embedded           []embedding.EmbeddedItem
	IrrelevantAnalyzed []analysis.AnalyzedItem
	ErrorAnalyzed      []analysis.ItemError
	ErrorEmbedded      []analysis.ItemError
}

// Final is the stage-5 input handed to the session store.
type Final struct {
	Core
	Items map[gallery.Marketplace]MarketplaceEmbeddedAndAnalyzedItems
}
