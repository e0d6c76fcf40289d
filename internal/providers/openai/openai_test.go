package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"mimir/internal/apperr"
	"mimir/internal/providers"
)

const completionBody = `{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4",
"choices":[{"index":0,"message":{"role":"assistant","content":"hello there"},"finish_reason":"stop"}],
"usage":{"prompt_tokens":1000,"completion_tokens":500,"total_tokens":1500}}`

func newTestProvider(t *testing.T, url string) *Provider {
	t.Helper()
	p := New(providers.Config{APIKey: "sk-test", BaseURL: url, MaxRetries: 3, BackoffBase: time.Millisecond})
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return p
}

func TestConnectRequiresAPIKey(t *testing.T) {
	p := New(providers.Config{})
	err := p.Connect(context.Background())
	if !errors.Is(err, apperr.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if p.IsConnected() {
		t.Fatalf("provider must not be connected")
	}
}

func TestCompleteUsesReportedUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, completionBody)
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL+"/v1/")
	out, err := p.Complete(context.Background(), "hi", providers.Options{Model: "gpt-4"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out.Text != "hello there" || out.Model != "gpt-4" {
		t.Fatalf("unexpected completion %+v", out)
	}
	if out.Usage.TotalTokens != 1500 {
		t.Fatalf("expected reported usage, got %+v", out.Usage)
	}
	if fmt.Sprintf("%.2f", out.Usage.Cost) != "0.06" {
		t.Fatalf("expected cost 0.06, got %f", out.Usage.Cost)
	}
	if p.Usage().TotalTokens != 1500 {
		t.Fatalf("usage totals not updated: %+v", p.Usage())
	}
}

func TestCompleteRetriesRateLimit(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"slow down","type":"rate_limit"}}`)
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL+"/v1/")
	_, err := p.Complete(context.Background(), "hi", providers.Options{})
	if err == nil {
		t.Fatalf("expected failure")
	}
	if got := atomic.LoadInt32(&calls); got != 4 {
		t.Fatalf("expected 4 attempts, got %d", got)
	}
}

func TestCompleteDoesNotRetryAuthFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":{"message":"bad key"}}`)
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL+"/v1/")
	_, err := p.Complete(context.Background(), "hi", providers.Options{})
	if !errors.Is(err, apperr.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestStreamDeliversChunksThenUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, "data: {\"id\":\"s\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-4\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", part)
		}
		io.WriteString(w, "data: {\"id\":\"s\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-4\",\"choices\":[],\"usage\":{\"prompt_tokens\":4,\"completion_tokens\":2,\"total_tokens\":6}}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL+"/v1/")
	ch, err := p.Stream(context.Background(), "hi", providers.Options{Model: "gpt-4"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	out, err := providers.Collect(ch, "gpt-4", nil)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if out.Text != "Hello" {
		t.Fatalf("expected Hello, got %q", out.Text)
	}
	if out.Usage.PromptTokens != 4 || out.Usage.CompletionTokens != 2 {
		t.Fatalf("expected reported stream usage, got %+v", out.Usage)
	}
}

func TestStreamBeforeConnect(t *testing.T) {
	p := New(providers.Config{APIKey: "k"})
	if _, err := p.Stream(context.Background(), "hi", providers.Options{}); !errors.Is(err, providers.ErrNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}
}
