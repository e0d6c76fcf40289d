package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var (
	ErrMissingDatabaseDSN = errors.New("DB_DSN is required")
	ErrMissingMasterKey   = errors.New("at least one master key is required")
	ErrMissingDataDir     = errors.New("MIMIR_DATA_DIR could not be resolved")
)

type Config struct {
	DataDir      string
	SettingsFile string

	HTTP      HTTPConfig
	DB        DBConfig
	Redis     RedisConfig
	Quota     QuotaConfig
	Core      CoreConfig
	Providers ProviderHTTPConfig
	Crypto    CryptoConfig
	Log       LogConfig
}

type HTTPConfig struct {
	ListenAddr   string
	HealthPath   string
	MetricsPath  string
	WriteTimeout time.Duration
}

type DBConfig struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

// RedisConfig is optional; an empty Addr disables the quota check.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type QuotaConfig struct {
	PerHour int64
}

type CoreConfig struct {
	ConversationDir string
	Workspace       string
	AutoApply       bool
	StreamCacheSize int
	ContextTokens   int
}

type ProviderHTTPConfig struct {
	ClientTimeout time.Duration
	MaxRetries    int
	BackoffBase   time.Duration
}

type CryptoConfig struct {
	CurrentKeyID string
	Keys         map[string][]byte
}

type LogConfig struct {
	Level string
}

// Load reads the environment after merging an optional .env file from the
// working directory. Variables already set win over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	dataDir := mustEnv("MIMIR_DATA_DIR", defaultDataDir())
	if dataDir == "" {
		return nil, ErrMissingDataDir
	}

	cfg := &Config{
		DataDir:      dataDir,
		SettingsFile: mustEnv("MIMIR_SETTINGS_FILE", filepath.Join(dataDir, "settings.yaml")),
		HTTP: HTTPConfig{
			ListenAddr:   mustEnv("HTTP_LISTEN_ADDR", "127.0.0.1:8421"),
			HealthPath:   mustEnv("HEALTH_PATH", "/healthz"),
			MetricsPath:  mustEnv("METRICS_PATH", "/metrics"),
			WriteTimeout: mustDuration("HTTP_WRITE_TIMEOUT", 0),
		},
		DB: DBConfig{
			Driver:      strings.ToLower(mustEnv("DB_DRIVER", "sqlite")),
			DSN:         mustEnv("DB_DSN", filepath.Join(dataDir, "mimir.db")),
			AutoMigrate: mustBool("AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Addr:     mustEnv("REDIS_ADDR", ""),
			Password: mustEnv("REDIS_PASSWORD", ""),
			DB:       mustInt("REDIS_DB", 0),
		},
		Quota: QuotaConfig{
			PerHour: mustInt64("QUOTA_PER_HOUR", 0),
		},
		Core: CoreConfig{
			ConversationDir: mustEnv("CONVERSATION_DIR", filepath.Join(dataDir, "conversations")),
			Workspace:       mustEnv("WORKSPACE_DIR", "."),
			AutoApply:       mustBool("AUTO_APPLY_ACTIONS", false),
			StreamCacheSize: mustInt("STREAM_CACHE_SIZE", 50),
			ContextTokens:   mustInt("CONTEXT_MAX_TOKENS", 4000),
		},
		Providers: ProviderHTTPConfig{
			ClientTimeout: mustDuration("PROVIDER_HTTP_TIMEOUT", 5*time.Minute),
			MaxRetries:    mustInt("PROVIDER_MAX_RETRIES", 3),
			BackoffBase:   mustDuration("PROVIDER_BACKOFF_BASE", time.Second),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
	}

	if cfg.DB.DSN == "" {
		return nil, ErrMissingDatabaseDSN
	}

	cc, err := loadCryptoConfig()
	if err != nil {
		return nil, err
	}
	cfg.Crypto = cc

	return cfg, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mimir"
	}
	return filepath.Join(home, ".mimir")
}

func loadCryptoConfig() (CryptoConfig, error) {
	keysB64 := map[string]string{}

	if raw := mustEnv("MASTER_KEYS_JSON", ""); raw != "" {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return CryptoConfig{}, fmt.Errorf("parse MASTER_KEYS_JSON: %w", err)
		}
		for id, val := range parsed {
			if strings.TrimSpace(id) == "" || strings.TrimSpace(val) == "" {
				continue
			}
			keysB64[id] = val
		}
	}

	for _, e := range os.Environ() {
		k, v, ok := strings.Cut(e, "=")
		if !ok || k == "MASTER_KEY_B64" {
			continue
		}
		if !strings.HasPrefix(k, "MASTER_KEY_") || !strings.HasSuffix(k, "_B64") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(k, "MASTER_KEY_"), "_B64")
		if id == "" || v == "" {
			continue
		}
		keysB64[id] = v
	}

	current := mustEnv("MASTER_KEY_CURRENT_ID", "")
	if singleton := mustEnv("MASTER_KEY_B64", ""); singleton != "" {
		if current == "" {
			current = "default"
		}
		keysB64[current] = singleton
	}

	if len(keysB64) == 0 {
		return CryptoConfig{}, ErrMissingMasterKey
	}

	keys := make(map[string][]byte, len(keysB64))
	for id, b64 := range keysB64 {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return CryptoConfig{}, fmt.Errorf("decode master key %q: %w", id, err)
		}
		if len(raw) != 32 {
			return CryptoConfig{}, fmt.Errorf("master key %q must be 32 bytes after base64 decode", id)
		}
		keys[id] = raw
	}

	if current == "" {
		if len(keys) > 1 {
			return CryptoConfig{}, errors.New("MASTER_KEY_CURRENT_ID is required when several keys are set")
		}
		for id := range keys {
			current = id
		}
	}
	if _, ok := keys[current]; !ok {
		return CryptoConfig{}, fmt.Errorf("MASTER_KEY_CURRENT_ID=%q does not exist in provided keys", current)
	}

	return CryptoConfig{CurrentKeyID: current, Keys: keys}, nil
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustInt64(key string, def int64) int64 {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
