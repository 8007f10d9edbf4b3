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

// OpenAIConfig holds the settings for the chat completions endpoint.
type OpenAIConfig struct {
	Endpoint   string
	APIKey     string
	Model      string
	HTTPClient *http.Client
	Logger     logging.Logger
}

type openaiClient struct {
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     logging.Logger
}

// NewOpenAIClient returns a ChatClient speaking the OpenAI chat envelope.
// Images are transmitted as data URLs.
func NewOpenAIClient(cfg OpenAIConfig) ChatClient {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpclient.New(120 * time.Second)
	}
	return &openaiClient{
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		httpClient: cfg.HTTPClient,
		logger:     logging.OrNop(cfg.Logger),
	}
}

type openaiContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openaiImageURL `json:"image_url,omitempty"`
}

type openaiImageURL struct {
	URL string `json:"url"`
}

func (c *openaiClient) Complete(ctx context.Context, req Request) (Response, error) {
	parts := make([]openaiContentPart, 0, len(req.Parts))
	for _, part := range req.Parts {
		if part.PNG != nil {
			parts = append(parts, openaiContentPart{
				Type: "image_url",
				ImageURL: &openaiImageURL{
					URL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(part.PNG),
				},
			})
			continue
		}
		parts = append(parts, openaiContentPart{Type: "text", Text: part.Text})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	payload := map[string]any{
		"model":      c.model,
		"max_tokens": maxTokens,
		"messages": []map[string]any{
			{"role": "system", "content": req.System},
			{"role": "user", "content": parts},
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
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("openai request: %w", err)
	}
	defer resp.Body.Close()

	data, err := httpclient.ReadAllWithLimit(resp.Body, llmResponseLimit)
	if err != nil {
		return Response{}, fmt.Errorf("read openai response: %w", err)
	}
	if !httpclient.Is2xx(resp.StatusCode) {
		return Response{}, httpclient.StatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Response{}, fmt.Errorf("decode openai response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return Response{}, fmt.Errorf("openai response has no choices")
	}
	if len(parsed.Choices) > 1 {
		c.logger.Warn("openai returned %d choices; using the first", len(parsed.Choices))
	}
	return Response{Content: parsed.Choices[0].Message.Content}, nil
}
