// Package analysis runs the per-item vision LLM evaluation: thumbnails plus
// the item JSON go into a single multimodal prompt, and the reply is parsed
// into typed answers, a generic item description, and a best-image index.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonrepair"
	"golang.org/x/sync/errgroup"

	"gazer/internal/gallery"
	"gazer/internal/logging"
)

const itemParallelism = 8

// AnalyzedItem is one listing that passed analysis, with everything the
// embedding and storage stages need.
type AnalyzedItem struct {
	Item         gallery.MarketplaceItemData
	Answers      []gallery.Answer
	Description  string
	BestImagePNG []byte
}

// ItemError is one listing that failed analysis, kept for the error partition.
type ItemError struct {
	Item   gallery.MarketplaceItemData
	Reason string
}

// MarketplaceAnalyzedItems partitions one marketplace's items after
// analysis. The partitions are disjoint and cover the input.
type MarketplaceAnalyzedItems struct {
	Relevant   []AnalyzedItem
	Irrelevant []AnalyzedItem
	Errors     []ItemError
}

// Analyzer evaluates items against a gallery's criteria.
type Analyzer struct {
	client    ChatClient
	fetcher   ImageFetcher
	logger    logging.Logger
	maxTokens int
}

// New constructs an Analyzer.
func New(client ChatClient, fetcher ImageFetcher, logger logging.Logger) *Analyzer {
	return &Analyzer{
		client:    client,
		fetcher:   fetcher,
		logger:    logging.OrNop(logger),
		maxTokens: defaultMaxTokens,
	}
}

// AnalyzeItems evaluates every item of one marketplace in parallel and
// partitions the results. It never fails as a whole; per-item failures land
// in the error partition.
func (a *Analyzer) AnalyzeItems(ctx context.Context, items []gallery.MarketplaceItemData, criteria gallery.EvaluationCriteria) MarketplaceAnalyzedItems {
	var (
		mu  sync.Mutex
		out MarketplaceAnalyzedItems
	)

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(itemParallelism)
	for _, item := range items {
		group.Go(func() error {
			analyzed, relevant, err := a.analyzeOne(ctx, item, criteria)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				a.logger.Warn("analysis failed for item %s: %v", item.ItemID, err)
				out.Errors = append(out.Errors, ItemError{Item: item, Reason: err.Error()})
			case relevant:
				out.Relevant = append(out.Relevant, analyzed)
			default:
				out.Irrelevant = append(out.Irrelevant, analyzed)
			}
			return nil
		})
	}
	_ = group.Wait()
	return out
}

// modelReply is the JSON object the prompt demands.
type modelReply struct {
	Answers         []string `json:"answers"`
	ItemDescription string   `json:"item_description"`
	BestFitImage    int      `json:"best_fit_image"`
}

func (a *Analyzer) analyzeOne(ctx context.Context, item gallery.MarketplaceItemData, criteria gallery.EvaluationCriteria) (AnalyzedItem, bool, error) {
	images := a.fetchImages(ctx, item)
	if len(images) == 0 {
		return AnalyzedItem{}, false, fmt.Errorf("no images")
	}

	req, err := buildRequest(item, criteria, images, a.maxTokens)
	if err != nil {
		return AnalyzedItem{}, false, err
	}

	resp, err := a.client.Complete(ctx, req)
	if err != nil {
		return AnalyzedItem{}, false, err
	}

	reply, err := parseReply(resp.Content)
	if err != nil {
		return AnalyzedItem{}, false, err
	}

	answers, satisfied, err := criteria.ParseAnswers(reply.Answers)
	if err != nil {
		return AnalyzedItem{}, false, err
	}

	best := reply.BestFitImage
	if best < 0 || best >= len(images) {
		best = 0
	}

	analyzed := AnalyzedItem{
		Item:         item,
		Answers:      answers,
		Description:  reply.ItemDescription,
		BestImagePNG: images[best],
	}
	return analyzed, satisfied, nil
}

// fetchImages downloads every thumbnail that can be fetched and converted.
// Failures are logged and skipped.
func (a *Analyzer) fetchImages(ctx context.Context, item gallery.MarketplaceItemData) [][]byte {
	var images [][]byte
	for _, url := range item.Thumbnails {
		png, err := a.fetcher.FetchPNG(ctx, url)
		if err != nil {
			a.logger.Warn("thumbnail fetch failed for item %s url %s: %v", item.ItemID, url, err)
			continue
		}
		images = append(images, png)
	}
	return images
}

const systemPreamble = `You evaluate a single marketplace listing from its images and its JSON data.

Answer these questions about the listed item:
%s
Reply with exactly one JSON object of the form
{"answers": ["..."], "item_description": "...", "best_fit_image": 0}
and nothing else: no prose, no markdown fences.

Rules:
1. "answers" is a list of strings, one per question, in the same order as the questions.
2. Each answer must obey its question's stated format exactly.
3. If a question cannot be answered from the listing, use the fallback answer its format names.
4. "item_description" describes what kind of item this is in general terms. It must not mention item-specific attributes such as size, condition, or serial numbers.
5. "best_fit_image" is the zero-based index of the labeled image that best represents the item. Use 0 if only one image is provided.
6. The reply must contain nothing outside the JSON object.`

// buildRequest assembles the multimodal prompt: preamble with the question
// list, each image labeled in order, then the item JSON.
func buildRequest(item gallery.MarketplaceItemData, criteria gallery.EvaluationCriteria, images [][]byte, maxTokens int) (Request, error) {
	itemJSON, err := json.Marshal(item)
	if err != nil {
		return Request{}, fmt.Errorf("marshal item: %w", err)
	}

	parts := make([]Part, 0, 2*len(images)+1)
	for i, png := range images {
		parts = append(parts, Part{Text: fmt.Sprintf("Image %d:", i)})
		parts = append(parts, Part{PNG: png})
	}
	parts = append(parts, Part{Text: "Item JSON:\n" + string(itemJSON)})

	return Request{
		System:    fmt.Sprintf(systemPreamble, criteria.PromptDescription()),
		Parts:     parts,
		MaxTokens: maxTokens,
	}, nil
}

// parseReply decodes the model's JSON object, repairing near-JSON replies
// (trailing commas, fenced blocks) before giving up.
func parseReply(content string) (modelReply, error) {
	trimmed := strings.TrimSpace(content)

	var reply modelReply
	if err := json.Unmarshal([]byte(trimmed), &reply); err == nil {
		return reply, nil
	}

	repaired, err := jsonrepair.JSONRepair(trimmed)
	if err != nil {
		return modelReply{}, fmt.Errorf("reply is not valid JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), &reply); err != nil {
		return modelReply{}, fmt.Errorf("reply is not a valid answer object: %w", err)
	}
	return reply, nil
}
