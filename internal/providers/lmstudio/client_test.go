package lmstudio

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"mimir/internal/providers"
)

func TestBuildPayloadChatCompletions(t *testing.T) {
	c := New(providers.Config{BaseURL: "http://localhost:1234/v1/"})

	body, endpoint, err := c.buildPayload("hello", providers.Options{
		Model:       "qwen2.5-coder",
		System:      "You are concise",
		MaxTokens:   123,
		Temperature: 0.4,
	}, true)
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}
	if endpoint != "http://localhost:1234/v1/chat/completions" {
		t.Fatalf("unexpected endpoint %q", endpoint)
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["model"] != "qwen2.5-coder" {
		t.Fatalf("expected model qwen2.5-coder, got %#v", payload["model"])
	}
	if payload["stream"] != true {
		t.Fatalf("expected stream flag, got %#v", payload["stream"])
	}
	msgs, ok := payload["messages"].([]any)
	if !ok || len(msgs) != 2 {
		t.Fatalf("expected system and user messages, got %#v", payload["messages"])
	}
}

func newServer(t *testing.T, chat http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"data":[{"id":"qwen2.5-coder"},{"id":"llama-3.1-8b"}]}`)
	})
	if chat != nil {
		mux.HandleFunc("/v1/chat/completions", chat)
	}
	return httptest.NewServer(mux)
}

func connect(t *testing.T, url string, retries int) *Client {
	t.Helper()
	c := New(providers.Config{BaseURL: url + "/v1", MaxRetries: retries, BackoffBase: time.Millisecond})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return c
}

func TestConnectTwiceIsIdempotent(t *testing.T) {
	srv := newServer(t, nil)
	defer srv.Close()

	c := connect(t, srv.URL, -1)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if !c.IsConnected() {
		t.Fatalf("client must stay connected")
	}
	if got := c.SupportedModels(); len(got) != 2 || got[0] != "qwen2.5-coder" {
		t.Fatalf("models duplicated or lost: %v", got)
	}
}

func TestConnectAdoptsLoadedModels(t *testing.T) {
	srv := newServer(t, nil)
	defer srv.Close()

	c := connect(t, srv.URL, -1)
	models := c.SupportedModels()
	if len(models) != 2 || models[1] != "llama-3.1-8b" {
		t.Fatalf("unexpected models %v", models)
	}
}

func TestCompleteRetriesRateLimitThenFails(t *testing.T) {
	var calls int32
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	})
	defer srv.Close()

	c := connect(t, srv.URL, 3)
	if _, err := c.Complete(context.Background(), "hi", providers.Options{}); err == nil {
		t.Fatalf("expected failure")
	}
	if got := atomic.LoadInt32(&calls); got != 4 {
		t.Fatalf("expected 4 attempts, got %d", got)
	}
}

func TestCompleteEstimatesWhenUsageMissing(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"12345678"}}]}`)
	})
	defer srv.Close()

	c := connect(t, srv.URL, -1)
	out, err := c.Complete(context.Background(), "abcd", providers.Options{})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out.Text != "12345678" {
		t.Fatalf("unexpected text %q", out.Text)
	}
	if out.Usage.PromptTokens != 1 || out.Usage.CompletionTokens != 2 || out.Usage.Cost != 0 {
		t.Fatalf("unexpected usage %+v", out.Usage)
	}
}

func TestStreamParsesServerSentEvents(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"fo\"}}]}\n\n")
		io.WriteString(w, ": keep-alive\n\n")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"o\"},\"finish_reason\":\"stop\"}]}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	})
	defer srv.Close()

	c := connect(t, srv.URL, -1)
	ch, err := c.Stream(context.Background(), "hi", providers.Options{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	var chunks []providers.Chunk
	out, err := providers.Collect(ch, "default", func(ch providers.Chunk) { chunks = append(chunks, ch) })
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if out.Text != "foo" {
		t.Fatalf("expected foo, got %q", out.Text)
	}
	if last := chunks[len(chunks)-1]; !last.Done || last.Usage == nil {
		t.Fatalf("terminal chunk must be last, got %+v", last)
	}
}
