package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"gazer/internal/analysis"
	"gazer/internal/embedding"
	"gazer/internal/gallery"
	"gazer/internal/logging"
	"gazer/internal/marketplace"
	"gazer/internal/metrics"
)

// ErrTotalScrapeFailure reports that every marketplace with a non-empty id
// list failed every single item fetch in stage 2.
var ErrTotalScrapeFailure = errors.New("total scrape failure")

// ErrFailedToUpdate reports that the closing scheduler update could not be
// delivered. The session is already committed when this is returned.
var ErrFailedToUpdate = errors.New("failed to deliver gallery update")

// Analyzer is the stage-3 collaborator.
type Analyzer interface {
	AnalyzeItems(ctx context.Context, items []gallery.MarketplaceItemData, criteria gallery.EvaluationCriteria) analysis.MarketplaceAnalyzedItems
}

// Embedder is the stage-4 collaborator.
type Embedder interface {
	EmbedBatch(ctx context.Context, items []analysis.AnalyzedItem) embedding.Result
}

// SessionStore is the stage-5 collaborator plus the post-run reload.
type SessionStore interface {
	InsertSession(ctx context.Context, final Final) (gallery.SessionID, error)
	SchedulerState(ctx context.Context, id gallery.ID) (gallery.SchedulerState, error)
}

// GalleryUpdater receives the closing update after a successful run. The
// scheduler implements it; delivery for a deleted gallery reports success
// and is dropped there.
type GalleryUpdater interface {
	ApplyGalleryUpdate(ctx context.Context, state gallery.SchedulerState) error
}

// Instance orchestrates one pipeline run. It is stateless between runs and
// safe to share across gallery tasks; Clone exists so each task can carry
// its own value.
type Instance struct {
	adapters *marketplace.Registry
	analyzer Analyzer
	embedder Embedder
	store    SessionStore
	updater  GalleryUpdater
	logger   logging.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Config wires an Instance.
type Config struct {
	Adapters *marketplace.Registry
	Analyzer Analyzer
	Embedder Embedder
	Store    SessionStore
	Logger   logging.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// New constructs an Instance. The updater is attached afterwards via
// SetUpdater because the scheduler that implements it is built around the
// pipeline.
func New(cfg Config) *Instance {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop()
	}
	return &Instance{
		adapters: cfg.Adapters,
		analyzer: cfg.Analyzer,
		embedder: cfg.Embedder,
		store:    cfg.Store,
		logger:   logging.OrNop(cfg.Logger),
		metrics:  cfg.Metrics,
		now:      cfg.Now,
	}
}

// SetUpdater attaches the scheduler-side update sink. Must be called before
// the first Run.
func (p *Instance) SetUpdater(u GalleryUpdater) { p.updater = u }

// Clone returns an instance sharing the same collaborators.
func (p *Instance) Clone() *Instance {
	clone := *p
	return &clone
}

// Run executes all five stages for one gallery tick and returns the new
// session id. Per-item and per-marketplace failures are contained in the
// state's error partitions; only TotalScrapeFailure, storage errors, and a
// lost closing update surface as errors.
//
// TODO: retry transient marketplace and LLM failures within a run instead
// of deferring everything to the next tick.
func (p *Instance) Run(ctx context.Context, initial SearchScraping) (gallery.SessionID, error) {
	galleryID := initial.GalleryID

	scraped := p.searchScrapeStage(ctx, initial)
	analyzed, err := p.itemScrapeStage(ctx, scraped)
	if err != nil {
		p.metrics.PipelineRuns.WithLabelValues("scrape_failure").Inc()
		return 0, err
	}
	embedded := p.analysisStage(ctx, analyzed)
	final := p.embeddingStage(ctx, embedded)

	start := p.now()
	sessionID, err := p.store.InsertSession(ctx, final)
	if err != nil {
		p.metrics.PipelineRuns.WithLabelValues("storage_failure").Inc()
		return 0, fmt.Errorf("store session for gallery %s: %w", galleryID, err)
	}
	p.metrics.StageDuration.WithLabelValues("storage").Observe(time.Since(start).Seconds())
	p.metrics.PipelineRuns.WithLabelValues("success").Inc()
	p.logger.Info("gallery %s: stored session %d", galleryID, sessionID)

	if err := p.closeLoop(ctx, galleryID); err != nil {
		return sessionID, err
	}
	return sessionID, nil
}

// closeLoop reloads the gallery (whose last-scraped columns the commit just
// advanced) and posts the refreshed snapshot back to the scheduler.
func (p *Instance) closeLoop(ctx context.Context, galleryID gallery.ID) error {
	if p.updater == nil {
		return nil
	}
	state, err := p.store.SchedulerState(ctx, galleryID)
	if err != nil {
		p.logger.Error("gallery %s: reload after run failed: %v", galleryID, err)
		return fmt.Errorf("%w: %v", ErrFailedToUpdate, err)
	}
	if err := p.updater.ApplyGalleryUpdate(ctx, state); err != nil {
		p.logger.Error("gallery %s: closing update failed: %v", galleryID, err)
		return fmt.Errorf("%w: %v", ErrFailedToUpdate, err)
	}
	return nil
}

// searchScrapeStage runs stage 1: one search per marketplace, in parallel.
// It never fails as a whole. Successful marketplaces get their updated
// datetime from a single wall-clock sample taken per run.
func (p *Instance) searchScrapeStage(ctx context.Context, s SearchScraping) ItemScraping {
	start := p.now()
	runTime := gallery.FromTime(start)

	out := ItemScraping{
		Core:    s.Core,
		ItemIDs: make(map[gallery.Marketplace][]string, len(s.PreviousScraped)),
	}

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	for m, since := range s.PreviousScraped {
		group.Go(func() error {
			ids, err := p.searchOne(groupCtx, m, s.SearchCriteria, since)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				p.logger.Warn("gallery %s: search scrape failed for %s: %v", s.GalleryID, m, err)
				p.metrics.StageFailures.WithLabelValues("search_scrape").Inc()
				out.FailedMarketplaces[m] = err.Error()
				return nil
			}
			out.ItemIDs[m] = ids
			out.UpdatedDatetimes[m] = runTime
			return nil
		})
	}
	_ = group.Wait()

	p.metrics.StageDuration.WithLabelValues("search_scrape").Observe(time.Since(start).Seconds())
	return out
}

func (p *Instance) searchOne(ctx context.Context, m gallery.Marketplace, criteria gallery.SearchCriteria, since gallery.UnixTime) ([]string, error) {
	adapter, err := p.adapters.Get(m)
	if err != nil {
		return nil, err
	}
	return adapter.SearchScrape(ctx, criteria, since)
}

// itemScrapeStage runs stage 2: detail fetches per marketplace in parallel,
// with per-id errors dropped. The whole run aborts only when every
// marketplace with a non-empty id list lost every single fetch.
func (p *Instance) itemScrapeStage(ctx context.Context, s ItemScraping) (ItemAnalysis, error) {
	start := p.now()

	out := ItemAnalysis{
		Core:  s.Core,
		Items: make(map[gallery.Marketplace][]gallery.MarketplaceItemData, len(s.ItemIDs)),
	}

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	for m, ids := range s.ItemIDs {
		group.Go(func() error {
			adapter, err := p.adapters.Get(m)
			if err != nil {
				mu.Lock()
				out.Items[m] = nil
				mu.Unlock()
				return nil
			}
			results := adapter.ItemScrape(groupCtx, ids)
			items := make([]gallery.MarketplaceItemData, 0, len(results))
			for _, result := range results {
				if result.Err != nil {
					p.logger.Warn("gallery %s: item scrape error on %s: %v", s.GalleryID, m, result.Err)
					p.metrics.StageFailures.WithLabelValues("item_scrape").Inc()
					continue
				}
				items = append(items, *result.Item)
			}
			mu.Lock()
			out.Items[m] = items
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	p.metrics.StageDuration.WithLabelValues("item_scrape").Observe(time.Since(start).Seconds())

	if totalScrapeFailure(s.ItemIDs, out.Items) {
		return ItemAnalysis{}, fmt.Errorf("gallery %s: %w", s.GalleryID, ErrTotalScrapeFailure)
	}
	return out, nil
}

// totalScrapeFailure reports whether every marketplace with a non-empty id
// list produced zero items. Marketplaces with no ids to fetch do not count
// either way.
func totalScrapeFailure(ids map[gallery.Marketplace][]string, items map[gallery.Marketplace][]gallery.MarketplaceItemData) bool {
	sawNonEmpty := false
	for m, list := range ids {
		if len(list) == 0 {
			continue
		}
		sawNonEmpty = true
		if len(items[m]) > 0 {
			return false
		}
	}
	return sawNonEmpty
}

// analysisStage runs stage 3: marketplaces sequentially to cap model usage,
// items within a marketplace in parallel inside the analyzer.
func (p *Instance) analysisStage(ctx context.Context, s ItemAnalysis) ItemEmbedding {
	start := p.now()

	out := ItemEmbedding{
		Core:  s.Core,
		Items: make(map[gallery.Marketplace]analysis.MarketplaceAnalyzedItems, len(s.Items)),
	}
	for m, items := range s.Items {
		partitioned := p.analyzer.AnalyzeItems(ctx, items, s.EvaluationCriteria)
		p.metrics.StageFailures.WithLabelValues("analysis").Add(float64(len(partitioned.Errors)))
		out.Items[m] = partitioned
	}

	p.metrics.StageDuration.WithLabelValues("analysis").Observe(time.Since(start).Seconds())
	return out
}

// embeddingStage runs stage 4: one batch per marketplace over the relevant
// partition; irrelevant and error items pass through unchanged. Never
// aborts the run.
func (p *Instance) embeddingStage(ctx context.Context, s ItemEmbedding) Final {
	start := p.now()

	out := Final{
		Core:  s.Core,
		Items: make(map[gallery.Marketplace]MarketplaceEmbeddedAndAnalyzedItems, len(s.Items)),
	}
	for m, partitioned := range s.Items {
		result := p.embedder.EmbedBatch(ctx, partitioned.Relevant)
		p.metrics.StageFailures.WithLabelValues("embedding").Add(float64(len(result.Errors)))

		final := MarketplaceEmbeddedAndAnalyzedItems{
			Embedded:           result.Embedded,
			IrrelevantAnalyzed: partitioned.Irrelevant,
			ErrorAnalyzed:      partitioned.Errors,
			ErrorEmbedded:      result.Errors,
		}
		p.metrics.ItemsPartition.WithLabelValues("embedded").Add(float64(len(final.Embedded)))
		p.metrics.ItemsPartition.WithLabelValues("irrelevant").Add(float64(len(final.IrrelevantAnalyzed)))
		p.metrics.ItemsPartition.WithLabelValues("error_analyzed").Add(float64(len(final.ErrorAnalyzed)))
		p.metrics.ItemsPartition.WithLabelValues("error_embedded").Add(float64(len(final.ErrorEmbedded)))
		out.Items[m] = final
	}

	p.metrics.StageDuration.WithLabelValues("embedding").Observe(time.Since(start).Seconds())
	return out
}
