package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/swarmsys/analysis-router/internal/providers"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

const messageResponse = `{
	"id": "msg_0123",
	"type": "message",
	"role": "assistant",
	"model": "claude-sonnet-4-20250514",
	"content": [
		{"type": "text", "text": "part one "},
		{"type": "text", "text": "part two"}
	],
	"stop_reason": "end_turn",
	"usage": {"input_tokens": 12, "output_tokens": 8}
}`

func TestNewInvokerDefaults(t *testing.T) {
	inv := NewInvoker(Config{APIKey: "test-key"}, testLogger())

	if inv.model != "claude-sonnet-4-20250514" {
		t.Errorf("model = %q", inv.model)
	}
	if inv.maxTokens != 8192 {
		t.Errorf("maxTokens = %d, want 8192", inv.maxTokens)
	}
	if inv.timeout != 60*time.Second {
		t.Errorf("timeout = %v, want 60s", inv.timeout)
	}
	if inv.ID() != "anthropic-api" {
		t.Errorf("ID() = %q, want anthropic-api", inv.ID())
	}
}

func TestInvokeSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.Header.Get("X-Api-Key") != "test-key" {
			t.Error("expected test-key in X-Api-Key header")
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(messageResponse))
	}))
	defer server.Close()

	inv := NewInvoker(Config{APIKey: "test-key", BaseURL: server.URL}, testLogger())

	out, err := inv.Invoke(context.Background(), providers.Request{Prompt: "hello"})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if out.RawOutput != "part one part two" {
		t.Errorf("RawOutput = %q, want concatenated text blocks", out.RawOutput)
	}
	if out.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", out.StatusCode)
	}
	if out.Duration <= 0 {
		t.Errorf("Duration = %v, want > 0", out.Duration)
	}
}

func TestInvokeSendsSystemPrompt(t *testing.T) {
	var captured map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(messageResponse))
	}))
	defer server.Close()

	inv := NewInvoker(Config{APIKey: "test-key", BaseURL: server.URL}, testLogger())

	_, err := inv.Invoke(context.Background(), providers.Request{
		Prompt:       "analyze this",
		SystemPrompt: "respond with JSON only",
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}

	system, ok := captured["system"].([]interface{})
	if !ok || len(system) == 0 {
		t.Fatalf("request body missing system blocks: %v", captured)
	}
	block, _ := system[0].(map[string]interface{})
	if block["text"] != "respond with JSON only" {
		t.Errorf("system block = %v, want configured system prompt", block)
	}
}

func TestInvokeRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"type": "error", "error": {"type": "rate_limit_error", "message": "Rate limit exceeded"}}`))
	}))
	defer server.Close()

	inv := NewInvoker(Config{APIKey: "test-key", BaseURL: server.URL}, testLogger())

	_, err := inv.Invoke(context.Background(), providers.Request{Prompt: "hello"})

	var rle *providers.RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("Invoke() error = %v, want RateLimitError", err)
	}
	if rle.Provider != "anthropic-api" {
		t.Errorf("Provider = %q, want anthropic-api", rle.Provider)
	}
}

func TestInvokeServerErrorIsNotRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"type": "error", "error": {"type": "api_error", "message": "internal failure"}}`))
	}))
	defer server.Close()

	inv := NewInvoker(Config{APIKey: "test-key", BaseURL: server.URL}, testLogger())

	_, err := inv.Invoke(context.Background(), providers.Request{Prompt: "hello"})
	if err == nil {
		t.Fatal("Invoke() error = nil, want failure")
	}
	if providers.IsRateLimit(err) {
		t.Errorf("server error misclassified as rate limit: %v", err)
	}
}
