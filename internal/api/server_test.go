package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"mimir/internal/conversation"
	"mimir/internal/metrics"
	"mimir/internal/orchestrator"
	"mimir/internal/providers"
	"mimir/internal/providers/providertest"
	"mimir/internal/providers/registry"
	"mimir/internal/storage"
)

func init() {
	registry.Register("fake-api", func(cfg providers.Config) providers.Provider {
		return providertest.New("fake-api", cfg, "Hello ", "there")
	})
}

func newServer(t *testing.T, withProvider bool) *httptest.Server {
	t.Helper()
	return buildServer(t, withProvider, nil)
}

func buildServer(t *testing.T, withProvider bool, store orchestrator.Store) *httptest.Server {
	t.Helper()
	convs, err := conversation.NewManager(filepath.Join(t.TempDir(), "conversations"), zerolog.Nop())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	reg := registry.New(zerolog.Nop())
	if withProvider {
		if _, err := reg.InitializeProvider(context.Background(), "fake-api", providers.Config{}); err != nil {
			t.Fatalf("initialize: %v", err)
		}
	}
	promReg := prometheus.NewRegistry()
	core := orchestrator.New(orchestrator.Config{
		Registry:      reg,
		Conversations: convs,
		Store:         store,
		Metrics:       metrics.New(promReg),
		Logger:        zerolog.Nop(),
	})
	srv := httptest.NewServer(NewRouter(Config{
		Core:    core,
		Logger:  zerolog.Nop(),
		Metrics: promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
	}))
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, method, url, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s %s: %v", method, url, err)
	}
	return resp.StatusCode, out
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newServer(t, true)
	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s returned %d", path, resp.StatusCode)
		}
	}
}

func TestComplete(t *testing.T) {
	srv := newServer(t, true)
	code, body := call(t, http.MethodPost, srv.URL+"/api/v1/complete", `{"prompt":"hi"}`)
	if code != http.StatusOK || body["success"] != true {
		t.Fatalf("unexpected response %d %v", code, body)
	}
	reply, _ := body["reply"].(map[string]any)
	if reply["fullResponse"] != "Hello there" || reply["provider"] != "fake-api" {
		t.Fatalf("unexpected reply %v", reply)
	}
}

func TestCompleteWithoutProvider(t *testing.T) {
	srv := newServer(t, false)
	code, body := call(t, http.MethodPost, srv.URL+"/api/v1/complete", `{"prompt":"hi"}`)
	if code != http.StatusNotFound || body["success"] != false {
		t.Fatalf("unexpected response %d %v", code, body)
	}
	if msg, _ := body["error"].(string); !strings.Contains(msg, "no AI provider available") {
		t.Fatalf("unexpected error %q", msg)
	}
}

func TestBadBody(t *testing.T) {
	srv := newServer(t, true)
	code, body := call(t, http.MethodPost, srv.URL+"/api/v1/complete", `{`)
	if code != http.StatusBadRequest || body["success"] != false {
		t.Fatalf("unexpected response %d %v", code, body)
	}
}

func TestConversationChatOverSSE(t *testing.T) {
	srv := newServer(t, true)
	code, body := call(t, http.MethodPost, srv.URL+"/api/v1/conversations", `{"title":"demo"}`)
	if code != http.StatusOK {
		t.Fatalf("create returned %d %v", code, body)
	}
	conv, _ := body["conversation"].(map[string]any)
	id, _ := conv["id"].(string)
	if id == "" {
		t.Fatalf("missing conversation id in %v", body)
	}

	resp, err := http.Post(srv.URL+"/api/v1/conversations/"+id+"/chat", "application/json", strings.NewReader(`{"text":"hello"}`))
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	text := string(raw)
	if strings.Count(text, "event: chunk") != 2 || !strings.Contains(text, "event: done") {
		t.Fatalf("unexpected stream body %q", text)
	}
	if !strings.Contains(text, `"fullResponse":"Hello there"`) {
		t.Fatalf("final frame missing reply: %q", text)
	}

	code, body = call(t, http.MethodGet, srv.URL+"/api/v1/conversations/"+id, "")
	got, _ := body["conversation"].(map[string]any)
	msgs, _ := got["messages"].([]any)
	if code != http.StatusOK || len(msgs) != 2 {
		t.Fatalf("expected user and assistant messages, got %d %v", code, got)
	}
}

func TestUnknownConversation(t *testing.T) {
	srv := newServer(t, true)
	code, body := call(t, http.MethodGet, srv.URL+"/api/v1/conversations/nope", "")
	if code != http.StatusNotFound || body["success"] != false {
		t.Fatalf("unexpected response %d %v", code, body)
	}
	code, _ = call(t, http.MethodDelete, srv.URL+"/api/v1/conversations/nope", "")
	if code != http.StatusNotFound {
		t.Fatalf("delete of unknown conversation returned %d", code)
	}
}

func TestProvidersAndCancel(t *testing.T) {
	srv := newServer(t, true)
	code, body := call(t, http.MethodGet, srv.URL+"/api/v1/providers", "")
	list, _ := body["providers"].([]any)
	if code != http.StatusOK || len(list) != 1 {
		t.Fatalf("unexpected providers %d %v", code, body)
	}
	_, body = call(t, http.MethodDelete, srv.URL+"/api/v1/streams/unknown", "")
	if body["cancelled"] != false {
		t.Fatalf("unexpected cancel response %v", body)
	}
	code, body = call(t, http.MethodPut, srv.URL+"/api/v1/providers/fake-api/key", `{"apiKey":"k"}`)
	if code != http.StatusBadRequest || body["success"] != false {
		t.Fatalf("key storage is not configured, got %d %v", code, body)
	}
}

func TestSettingsRoutes(t *testing.T) {
	store, err := storage.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "mimir.db"), true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	srv := buildServer(t, true, store)

	code, _ := call(t, http.MethodPut, srv.URL+"/api/v1/settings/theme", `{"value":"dark"}`)
	if code != http.StatusOK {
		t.Fatalf("put returned %d", code)
	}
	code, body := call(t, http.MethodGet, srv.URL+"/api/v1/settings/theme", "")
	if code != http.StatusOK || body["value"] != "dark" {
		t.Fatalf("unexpected get %d %v", code, body)
	}
	_, body = call(t, http.MethodGet, srv.URL+"/api/v1/settings", "")
	all, _ := body["settings"].(map[string]any)
	if all["theme"] != "dark" {
		t.Fatalf("unexpected list %v", body)
	}
	call(t, http.MethodDelete, srv.URL+"/api/v1/settings/theme", "")
	code, _ = call(t, http.MethodGet, srv.URL+"/api/v1/settings/theme", "")
	if code != http.StatusNotFound {
		t.Fatalf("deleted setting returned %d", code)
	}
}
