// Package embedding talks to the embedder service: one multipart request
// per marketplace batching alternating text and image parts, answered by
// parallel embedding vectors.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"gazer/internal/analysis"
	"gazer/internal/httpclient"
	"gazer/internal/logging"
)

const embedResponseLimit = 64 << 20

// EmbeddedItem is one analyzed item plus its two embedding vectors.
type EmbeddedItem struct {
	Source               analysis.AnalyzedItem
	DescriptionEmbedding []float32
	ImageEmbedding       []float32
}

// Result partitions one marketplace's relevant items after embedding.
type Result struct {
	Embedded []EmbeddedItem
	Errors   []analysis.ItemError
}

// Client submits embedding batches to the configured endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     logging.Logger
}

// Config holds the embedder client settings.
type Config struct {
	Endpoint   string
	HTTPClient *http.Client
	Logger     logging.Logger
}

// New constructs a Client.
func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpclient.New(120 * time.Second)
	}
	return &Client{
		endpoint:   cfg.Endpoint,
		httpClient: cfg.HTTPClient,
		logger:     logging.OrNop(cfg.Logger),
	}
}

type embedResponse struct {
	TextEmbeddings  [][]float32 `json:"text_embeddings"`
	ImageEmbeddings [][]float32 `json:"image_embeddings"`
}

// EmbedBatch embeds one marketplace's relevant items. Items missing their
// chosen image are demoted to the error partition before the request. A
// request-level failure (transport, non-2xx, parse, length mismatch) lands
// every submitted item in the error partition with a shared reason; there
// is no partial acceptance.
func (c *Client) EmbedBatch(ctx context.Context, items []analysis.AnalyzedItem) Result {
	var out Result

	submitted := make([]analysis.AnalyzedItem, 0, len(items))
	for _, item := range items {
		if len(item.BestImagePNG) == 0 {
			out.Errors = append(out.Errors, analysis.ItemError{
				Item:   item.Item,
				Reason: "chosen thumbnail unavailable",
			})
			continue
		}
		submitted = append(submitted, item)
	}
	if len(submitted) == 0 {
		return out
	}

	resp, err := c.request(ctx, submitted)
	if err != nil {
		c.logger.Warn("embedding batch of %d items failed: %v", len(submitted), err)
		reason := fmt.Sprintf("embedding request failed: %v", err)
		for _, item := range submitted {
			out.Errors = append(out.Errors, analysis.ItemError{Item: item.Item, Reason: reason})
		}
		return out
	}

	if len(resp.TextEmbeddings) != len(submitted) || len(resp.ImageEmbeddings) != len(submitted) {
		reason := fmt.Sprintf("embedding count mismatch: %d items, %d text, %d image",
			len(submitted), len(resp.TextEmbeddings), len(resp.ImageEmbeddings))
		c.logger.Warn("%s", reason)
		for _, item := range submitted {
			out.Errors = append(out.Errors, analysis.ItemError{Item: item.Item, Reason: reason})
		}
		return out
	}

	out.Embedded = make([]EmbeddedItem, len(submitted))
	for i, item := range submitted {
		out.Embedded[i] = EmbeddedItem{
			Source:               item,
			DescriptionEmbedding: resp.TextEmbeddings[i],
			ImageEmbedding:       resp.ImageEmbeddings[i],
		}
	}
	return out
}

func (c *Client) request(ctx context.Context, items []analysis.AnalyzedItem) (*embedResponse, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for _, item := range items {
		if err := writer.WriteField("text", item.Description); err != nil {
			return nil, fmt.Errorf("write text part: %w", err)
		}
		header := textproto.MIMEHeader{}
		header.Set("Content-Disposition",
			fmt.Sprintf(`form-data; name="image"; filename="%s.png"`, item.Item.ItemID))
		header.Set("Content-Type", "image/png")
		part, err := writer.CreatePart(header)
		if err != nil {
			return nil, fmt.Errorf("write image part: %w", err)
		}
		if _, err := part.Write(item.BestImagePNG); err != nil {
			return nil, fmt.Errorf("write image bytes: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finish multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedder request: %w", err)
	}
	defer resp.Body.Close()

	data, err := httpclient.ReadAllWithLimit(resp.Body, embedResponseLimit)
	if err != nil {
		return nil, fmt.Errorf("read embedder response: %w", err)
	}
	if !httpclient.Is2xx(resp.StatusCode) {
		return nil, httpclient.StatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	var parsed embedResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decode embedder response: %w", err)
	}
	return &parsed, nil
}
