package analysis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAnthropicClientComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get(anthropicAPIKeyHeaderKey); got != "sk-ant-test" {
			t.Errorf("expected api key header, got %q", got)
		}
		if got := r.Header.Get(anthropicVersionHeaderKey); got != "2023-06-01" {
			t.Errorf("expected version header, got %q", got)
		}

		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if payload["model"] != "claude-test" {
			t.Errorf("unexpected model %v", payload["model"])
		}
		if payload["system"] != "rules" {
			t.Errorf("unexpected system %v", payload["system"])
		}
		messages := payload["messages"].([]any)
		content := messages[0].(map[string]any)["content"].([]any)
		if len(content) != 2 {
			t.Fatalf("expected 2 content blocks, got %d", len(content))
		}
		img := content[0].(map[string]any)
		if img["type"] != "image" {
			t.Errorf("expected image block first, got %v", img["type"])
		}
		source := img["source"].(map[string]any)
		if source["media_type"] != "image/png" || source["data"] == "" {
			t.Errorf("unexpected image source: %v", source)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"content":[{"type":"text","text":"{\"answers\":[]}"}]}`))
	}))
	defer server.Close()

	client := NewAnthropicClient(AnthropicConfig{
		Endpoint: server.URL,
		APIKey:   "sk-ant-test",
		Model:    "claude-test",
		Version:  "2023-06-01",
	})
	resp, err := client.Complete(context.Background(), Request{
		System: "rules",
		Parts:  []Part{{PNG: []byte{1, 2, 3}}, {Text: "Item JSON: {}"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != `{"answers":[]}` {
		t.Fatalf("unexpected content %q", resp.Content)
	}
}

func TestAnthropicClientEmptyContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"content":[]}`))
	}))
	defer server.Close()

	client := NewAnthropicClient(AnthropicConfig{Endpoint: server.URL})
	if _, err := client.Complete(context.Background(), Request{Parts: []Part{{Text: "x"}}}); err == nil {
		t.Fatal("expected error for empty content")
	}
}

func TestAnthropicClientHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewAnthropicClient(AnthropicConfig{Endpoint: server.URL})
	_, err := client.Complete(context.Background(), Request{Parts: []Part{{Text: "x"}}})
	if err == nil {
		t.Fatal("expected error for 503")
	}
}

func TestOpenAIClientComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("expected bearer auth, got %q", got)
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		messages := payload["messages"].([]any)
		if len(messages) != 2 {
			t.Fatalf("expected system+user messages, got %d", len(messages))
		}
		user := messages[1].(map[string]any)
		parts := user["content"].([]any)
		img := parts[0].(map[string]any)
		if img["type"] != "image_url" {
			t.Errorf("expected image_url part, got %v", img["type"])
		}

		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(OpenAIConfig{Endpoint: server.URL, APIKey: "sk-test", Model: "gpt-test"})
	resp, err := client.Complete(context.Background(), Request{
		System: "rules",
		Parts:  []Part{{PNG: []byte{9}}, {Text: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "ok" {
		t.Fatalf("unexpected content %q", resp.Content)
	}
}

func TestOpenAIClientNoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(OpenAIConfig{Endpoint: server.URL})
	if _, err := client.Complete(context.Background(), Request{Parts: []Part{{Text: "x"}}}); err == nil {
		t.Fatal("expected error for zero choices")
	}
}
