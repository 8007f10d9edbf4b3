package analysis

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"gazer/internal/httpclient"
	"gazer/internal/logging"
)

const (
	anthropicVersionHeaderKey = "anthropic-version"
	anthropicAPIKeyHeaderKey  = "x-api-key"
	defaultMaxTokens          = 1024
	llmResponseLimit          = 4 << 20
)

// AnthropicConfig holds the settings for the Anthropic messages endpoint.
type AnthropicConfig struct {
	Endpoint   string
	APIKey     string
	Model      string
	Version    string
	HTTPClient *http.Client
	Logger     logging.Logger
}

type anthropicClient struct {
	endpoint   string
	apiKey     string
	model      string
	version    string
	httpClient *http.Client
	logger     logging.Logger
}

// NewAnthropicClient returns a ChatClient speaking the Anthropic envelope.
func NewAnthropicClient(cfg AnthropicConfig) ChatClient {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpclient.New(120 * time.Second)
	}
	return &anthropicClient{
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		version:    cfg.Version,
		httpClient: cfg.HTTPClient,
		logger:     logging.OrNop(cfg.Logger),
	}
}

type anthropicContentBlock struct {
	Type   string                `json:"type"`
	Text   string                `json:"text,omitempty"`
	Source *anthropicImageSource `json:"source,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

func (c *anthropicClient) Complete(ctx context.Context, req Request) (Response, error) {
	blocks := make([]anthropicContentBlock, 0, len(req.Parts))
	for _, part := range req.Parts {
		if part.PNG != nil {
			blocks = append(blocks, anthropicContentBlock{
				Type: "image",
				Source: &anthropicImageSource{
					Type:      "base64",
					MediaType: "image/png",
					Data:      base64.StdEncoding.EncodeToString(part.PNG),
				},
			})
			continue
		}
		blocks = append(blocks, anthropicContentBlock{Type: "text", Text: part.Text})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	payload := map[string]any{
		"model":      c.model,
		"max_tokens": maxTokens,
		"system":     req.System,
		"messages": []map[string]any{
			{"role": "user", "content": blocks},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(anthropicAPIKeyHeaderKey, c.apiKey)
	httpReq.Header.Set(anthropicVersionHeaderKey, c.version)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("anthropic request: %w", err)
	}
	defer resp.Body.Close()

	data, err := httpclient.ReadAllWithLimit(resp.Body, llmResponseLimit)
	if err != nil {
		return Response{}, fmt.Errorf("read anthropic response: %w", err)
	}
	if !httpclient.Is2xx(resp.StatusCode) {
		return Response{}, httpclient.StatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	var parsed struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Response{}, fmt.Errorf("decode anthropic response: %w", err)
	}
	if len(parsed.Content) == 0 {
		return Response{}, fmt.Errorf("anthropic response has no content blocks")
	}
	if len(parsed.Content) > 1 {
		c.logger.Warn("anthropic returned %d content blocks; using the first", len(parsed.Content))
	}
	return Response{Content: parsed.Content[0].Text}, nil
}
