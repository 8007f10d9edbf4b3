// Package gallery holds the domain types shared by the scheduler, the
// pipeline, and the store: gallery identity, marketplaces, search criteria,
// evaluation criteria, and scraped item data.
package gallery

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ID identifies a gallery across the scheduler, pipeline, and store.
type ID = uuid.UUID

// SessionID is the monotonic identifier the store assigns to a finished run.
type SessionID = int64

// Marketplace is a closed enumeration of supported listing sources.
type Marketplace string

const (
	Mercari Marketplace = "mercari"
)

// AllMarketplaces lists every supported marketplace in a stable order.
func AllMarketplaces() []Marketplace {
	return []Marketplace{Mercari}
}

// Valid reports whether m is a known marketplace.
func (m Marketplace) Valid() bool {
	switch m {
	case Mercari:
		return true
	}
	return false
}

func (m Marketplace) String() string { return string(m) }

// UnixTime is an instant with second precision, serialized as integer
// seconds. The zero value means "never" / epoch.
type UnixTime int64

// Now samples the wall clock at second precision.
func Now() UnixTime {
	return UnixTime(time.Now().Unix())
}

// FromTime truncates t to second precision.
func FromTime(t time.Time) UnixTime {
	return UnixTime(t.Unix())
}

// Time converts back to a time.Time in UTC.
func (u UnixTime) Time() time.Time {
	return time.Unix(int64(u), 0).UTC()
}

// IsZero reports whether u is the epoch sentinel.
func (u UnixTime) IsZero() bool { return u == 0 }

// Before reports whether u precedes other.
func (u UnixTime) Before(other UnixTime) bool { return u < other }

// After reports whether u follows other.
func (u UnixTime) After(other UnixTime) bool { return u > other }

func (u UnixTime) String() string {
	return fmt.Sprintf("%d (%s)", int64(u), u.Time().Format(time.RFC3339))
}

// SearchCriteria is the immutable per-run snapshot of a gallery's search.
type SearchCriteria struct {
	Keyword        string `json:"keyword"`
	ExcludeKeyword string `json:"exclude_keyword,omitempty"`
	MinPrice       *int64 `json:"min_price,omitempty"`
	MaxPrice       *int64 `json:"max_price,omitempty"`
}

// MarketplaceItemData is a scraped listing. Immutable once fetched.
type MarketplaceItemData struct {
	ItemID        string   `json:"item_id"`
	Name          string   `json:"name"`
	Price         int64    `json:"price"`
	Description   string   `json:"description"`
	Status        string   `json:"status"`
	SellerID      string   `json:"seller_id"`
	Category      string   `json:"category"`
	Thumbnails    []string `json:"thumbnails"`
	ItemCondition string   `json:"item_condition"`
	Created       UnixTime `json:"created"`
	Updated       UnixTime `json:"updated"`
}

// SchedulerState is the scheduler's view of one gallery. Mutated only via
// Update control messages; destroyed on Delete.
type SchedulerState struct {
	GalleryID           ID
	ScrapingPeriodicity CronSchedule
	SearchCriteria      SearchCriteria
	PreviousScraped     map[Marketplace]UnixTime
	EvaluationCriteria  EvaluationCriteria
	IsActive            bool
}

// Clone returns a deep copy safe to hand to a pipeline run.
func (s SchedulerState) Clone() SchedulerState {
	out := s
	out.PreviousScraped = make(map[Marketplace]UnixTime, len(s.PreviousScraped))
	for k, v := range s.PreviousScraped {
		out.PreviousScraped[k] = v
	}
	out.EvaluationCriteria = append(EvaluationCriteria(nil), s.EvaluationCriteria...)
	return out
}
