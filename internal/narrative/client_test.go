package narrative

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func chatResponseBody(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"content": content}},
		},
	})
	return string(b)
}

func TestGenerateSendsInstructionsAndInput(t *testing.T) {
	var gotReq chatRequest
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.Write([]byte(chatResponseBody(`{"closing": "done"}`)))
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("test-key", srv.URL)
	text, err := c.Generate(context.Background(), "model-x", "system instructions", `[{"channel":"voice"}]`)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != `{"closing": "done"}` {
		t.Errorf("unexpected response text: %q", text)
	}

	if gotAuth != "Bearer test-key" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotReq.Model != "model-x" {
		t.Errorf("model = %q", gotReq.Model)
	}
	if len(gotReq.Messages) != 2 ||
		gotReq.Messages[0].Role != "system" || gotReq.Messages[0].Content != "system instructions" ||
		gotReq.Messages[1].Role != "user" {
		t.Errorf("unexpected messages: %+v", gotReq.Messages)
	}
}

func TestGenerateServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("k", srv.URL)
	if _, err := c.Generate(context.Background(), "m", "i", "in"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable for 5xx, got %v", err)
	}
}

func TestGenerateTransportErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	c := NewClientWithBaseURL("k", srv.URL)
	if _, err := c.Generate(context.Background(), "m", "i", "in"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable for transport failure, got %v", err)
	}
}

func TestGenerateRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(chatResponseBody("ok")))
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("k", srv.URL)
	text, err := c.Generate(context.Background(), "m", "i", "in")
	if err != nil {
		t.Fatalf("Generate after rate limits: %v", err)
	}
	if text != "ok" {
		t.Errorf("text = %q", text)
	}
	if calls.Load() != 3 {
		t.Errorf("server hit %d times, want 3", calls.Load())
	}
}

func TestGenerateRateLimitExhaustion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("k", srv.URL)
	if _, err := c.Generate(context.Background(), "m", "i", "in"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable after exhausted retries, got %v", err)
	}
}

func TestGenerateClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": "bad model"}`))
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("k", srv.URL)
	_, err := c.Generate(context.Background(), "m", "i", "in")
	if err == nil {
		t.Fatal("expected error for 4xx")
	}
	if errors.Is(err, ErrUnavailable) {
		t.Errorf("4xx should not map to ErrUnavailable: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("4xx retried: %d calls", calls.Load())
	}
}

func TestGenerateEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices": []}`))
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("k", srv.URL)
	if _, err := c.Generate(context.Background(), "m", "i", "in"); err == nil {
		t.Error("expected error for empty choices")
	}
}
