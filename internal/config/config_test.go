package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testKey = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MIMIR_DATA_DIR", dir)
	t.Setenv("MASTER_KEY_B64", testKey)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DB.Driver != "sqlite" || cfg.DB.DSN != filepath.Join(dir, "mimir.db") {
		t.Fatalf("unexpected db config %+v", cfg.DB)
	}
	if cfg.Core.ConversationDir != filepath.Join(dir, "conversations") || cfg.Core.ContextTokens != 4000 {
		t.Fatalf("unexpected core config %+v", cfg.Core)
	}
	if cfg.Crypto.CurrentKeyID != "default" || len(cfg.Crypto.Keys["default"]) != 32 {
		t.Fatalf("unexpected crypto config %+v", cfg.Crypto.CurrentKeyID)
	}
	if cfg.Providers.MaxRetries != 3 || cfg.Redis.Addr != "" {
		t.Fatalf("unexpected provider/redis config %+v %+v", cfg.Providers, cfg.Redis)
	}
}

func TestLoadRequiresMasterKey(t *testing.T) {
	t.Setenv("MIMIR_DATA_DIR", t.TempDir())
	for _, e := range os.Environ() {
		if k, _, _ := strings.Cut(e, "="); strings.HasPrefix(k, "MASTER_KEY_") {
			t.Setenv(k, "")
		}
	}
	t.Setenv("MASTER_KEY_B64", "")
	t.Setenv("MASTER_KEYS_JSON", "")
	if _, err := Load(); !errors.Is(err, ErrMissingMasterKey) {
		t.Fatalf("expected missing master key, got %v", err)
	}
}

func TestLoadRotatedKeys(t *testing.T) {
	t.Setenv("MIMIR_DATA_DIR", t.TempDir())
	t.Setenv("MASTER_KEYS_JSON", `{"old":"`+testKey+`","new":"AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE="}`)
	t.Setenv("MASTER_KEY_CURRENT_ID", "new")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Crypto.CurrentKeyID != "new" || len(cfg.Crypto.Keys) != 2 {
		t.Fatalf("unexpected crypto config %q %d", cfg.Crypto.CurrentKeyID, len(cfg.Crypto.Keys))
	}
}

func TestParseSettings(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-from-env")
	s, err := ParseSettings([]byte(`
defaultProvider: OpenAI
providers:
  openai:
    enabled: true
    apiKey: ${TEST_OPENAI_KEY}
    defaultModel: gpt-4
  Ollama:
    enabled: true
    baseUrl: http://localhost:11434
    maxRetries: 0
  anthropic:
    enabled: false
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s.DefaultProvider != "openai" {
		t.Fatalf("unexpected default %q", s.DefaultProvider)
	}
	if s.Providers["openai"].APIKey != "sk-from-env" {
		t.Fatalf("api key not expanded: %q", s.Providers["openai"].APIKey)
	}
	if r := s.Providers["ollama"].MaxRetries; r == nil || *r != 0 {
		t.Fatalf("explicit zero retries lost: %v", r)
	}
	if got := s.Enabled(); len(got) != 2 || got[0] != "ollama" || got[1] != "openai" {
		t.Fatalf("unexpected enabled list %v", got)
	}
}

func TestLoadSettingsMissingFile(t *testing.T) {
	s, err := LoadSettings(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil || len(s.Providers) != 0 {
		t.Fatalf("expected empty settings, got %+v (%v)", s, err)
	}
}
