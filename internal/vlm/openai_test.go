package vlm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestChatSendsImageContentPart(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`))
	}))
	defer srv.Close()

	c, err := NewOpenAIClient(Config{BaseURL: srv.URL, Model: "test-vlm"})
	if err != nil {
		t.Fatalf("NewOpenAIClient: %v", err)
	}
	defer c.Close()

	resp, err := c.Chat(context.Background(), &ChatRequest{
		Messages: []Message{
			{Role: "system", Text: "you are an agent"},
			{Role: "user", Text: "click start", Image: &Image{Base64JPEG: "Zm9v"}},
		},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q, want %q", resp.Content, "ok")
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", resp.Usage)
	}

	messages, ok := gotBody["messages"].([]any)
	if !ok || len(messages) != 2 {
		t.Fatalf("expected 2 messages in request, got %v", gotBody["messages"])
	}
	userMsg := messages[1].(map[string]any)
	parts, ok := userMsg["content"].([]any)
	if !ok || len(parts) != 2 {
		t.Fatalf("expected content parts for image message, got %v", userMsg["content"])
	}
	imgPart := parts[1].(map[string]any)
	if imgPart["type"] != "image_url" {
		t.Errorf("expected image_url part, got %v", imgPart["type"])
	}
}

func TestChatNoImageSendsPlainContent(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"choices":[{"message":{"content":"hi"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	c, _ := NewOpenAIClient(Config{BaseURL: srv.URL, Model: "m"})
	defer c.Close()

	_, err := c.Chat(context.Background(), &ChatRequest{
		Messages: []Message{{Role: "user", Text: "hello"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	messages := gotBody["messages"].([]any)
	msg := messages[0].(map[string]any)
	if _, isString := msg["content"].(string); !isString {
		t.Errorf("expected plain string content, got %T", msg["content"])
	}
}

func TestChatAPIErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`unauthorized`))
	}))
	defer srv.Close()

	c, _ := NewOpenAIClient(Config{BaseURL: srv.URL, Model: "m"})
	defer c.Close()

	_, err := c.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: "user", Text: "hi"}}})
	if err == nil {
		t.Fatal("expected error on 401")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error = %v, want mention of 401", err)
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, _ := NewOpenAIClient(Config{BaseURL: srv.URL, Model: "m"})
	defer c.Close()

	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestNewOpenAIClientRequiresBaseURL(t *testing.T) {
	if _, err := NewOpenAIClient(Config{Model: "m"}); err == nil {
		t.Fatal("expected error for empty base_url")
	}
}
