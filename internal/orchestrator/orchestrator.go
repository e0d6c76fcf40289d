// Package orchestrator is the caller-facing core: it resolves a provider,
// builds prompts, drives completions and streams, and finalizes replies
// into conversations, file actions, usage and metrics.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"mimir/internal/apperr"
	"mimir/internal/config"
	"mimir/internal/conversation"
	"mimir/internal/crypto"
	"mimir/internal/metrics"
	"mimir/internal/prompt"
	"mimir/internal/providers"
	"mimir/internal/providers/registry"
	"mimir/internal/response"
	"mimir/internal/storage"
)

var (
	ErrNoProviderAvailable = fmt.Errorf("%w: no AI provider available", apperr.ErrNotFound)
	ErrNoExecutor          = fmt.Errorf("%w: no file executor configured", apperr.ErrConfiguration)
	ErrNoStore             = fmt.Errorf("%w: storage is not configured", apperr.ErrConfiguration)
)

// Store is the persistence the orchestrator needs; *storage.Store has it.
type Store interface {
	SetSetting(ctx context.Context, key, value string) error
	GetSetting(ctx context.Context, key string) (string, error)
	DeleteSetting(ctx context.Context, key string) error
	ListSettings(ctx context.Context) ([]storage.Setting, error)
	PutCredential(ctx context.Context, provider, encAPIKey string) error
	GetCredential(ctx context.Context, provider string) (storage.Credential, error)
	DeleteCredential(ctx context.Context, provider string) error
	ListCredentials(ctx context.Context) ([]storage.Credential, error)
	LogUsage(ctx context.Context, e storage.UsageEntry) error
	SummarizeUsage(ctx context.Context) ([]storage.UsageTotal, error)
}

// Quota takes one unit of a provider's budget; *quota.Limiter has it.
type Quota interface {
	Take(ctx context.Context, provider string, now time.Time) error
}

type ProviderDefaults struct {
	MaxRetries  int
	BackoffBase time.Duration
	HTTPClient  *http.Client
}

type Config struct {
	Registry      *registry.Registry
	Prompts       *prompt.Formatter
	Responses     *response.Processor
	Conversations *conversation.Manager
	Executor      response.Executor
	Store         Store
	Sealer        *crypto.Sealer
	Quota         Quota
	Metrics       *metrics.Metrics
	Logger        zerolog.Logger

	// AutoApply runs file actions of a finalized reply through Executor.
	AutoApply     bool
	ContextTokens int
	Providers     ProviderDefaults
	Now           func() time.Time
}

type Orchestrator struct {
	registry      *registry.Registry
	prompts       *prompt.Formatter
	responses     *response.Processor
	conversations *conversation.Manager
	executor      response.Executor
	store         Store
	sealer        *crypto.Sealer
	quota         Quota
	metrics       *metrics.Metrics
	log           zerolog.Logger

	autoApply     bool
	contextTokens int
	defaults      ProviderDefaults
	now           func() time.Time

	mu       sync.Mutex
	settings map[string]config.ProviderSettings
	streams  map[string]context.CancelFunc
}

func New(cfg Config) *Orchestrator {
	if cfg.Registry == nil {
		cfg.Registry = registry.New(cfg.Logger)
	}
	if cfg.Prompts == nil {
		cfg.Prompts = prompt.New()
	}
	if cfg.Responses == nil {
		cfg.Responses = response.NewProcessor(response.DefaultCacheSize, cfg.Logger)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(prometheus.NewRegistry())
	}
	if cfg.ContextTokens <= 0 {
		cfg.ContextTokens = conversation.DefaultContextTokens
	}
	if cfg.Providers.MaxRetries == 0 {
		cfg.Providers.MaxRetries = providers.DefaultMaxRetries
	}
	if cfg.Providers.BackoffBase <= 0 {
		cfg.Providers.BackoffBase = providers.DefaultBackoffBase
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{
		registry:      cfg.Registry,
		prompts:       cfg.Prompts,
		responses:     cfg.Responses,
		conversations: cfg.Conversations,
		executor:      cfg.Executor,
		store:         cfg.Store,
		sealer:        cfg.Sealer,
		quota:         cfg.Quota,
		metrics:       cfg.Metrics,
		log:           cfg.Logger.With().Str("component", "orchestrator").Logger(),
		autoApply:     cfg.AutoApply,
		contextTokens: cfg.ContextTokens,
		defaults:      cfg.Providers,
		now:           cfg.Now,
		settings:      map[string]config.ProviderSettings{},
		streams:       map[string]context.CancelFunc{},
	}
}

type InitResult struct {
	Initialized []string          `json:"initialized"`
	Failed      map[string]string `json:"failed"`
	Default     string            `json:"default"`
}

// Initialize brings up every enabled provider. A stored credential wins
// over the key in settings. One provider failing does not stop the others.
func (o *Orchestrator) Initialize(ctx context.Context, s config.Settings) InitResult {
	keys := o.storedKeys(ctx)
	res := InitResult{Initialized: []string{}, Failed: map[string]string{}}

	for _, name := range s.Enabled() {
		ps := s.Providers[name]
		o.mu.Lock()
		o.settings[name] = ps
		o.mu.Unlock()

		cfg := o.providerConfig(name, ps, name == s.DefaultProvider)
		if k, ok := keys[name]; ok {
			cfg.APIKey = k
		}
		if _, err := o.registry.InitializeProvider(ctx, name, cfg); err != nil {
			o.log.Warn().Err(err).Str("provider", name).Msg("provider not available")
			res.Failed[name] = err.Error()
			continue
		}
		res.Initialized = append(res.Initialized, name)
	}

	if s.DefaultProvider != "" && o.registry.Has(s.DefaultProvider) {
		if err := o.registry.SetDefaultProvider(s.DefaultProvider); err != nil {
			o.log.Warn().Err(err).Msg("set default provider")
		}
	}
	res.Default = o.registry.DefaultType()
	o.log.Info().Strs("providers", res.Initialized).Str("default", res.Default).Int("failed", len(res.Failed)).Msg("providers initialized")
	return res
}

func (o *Orchestrator) providerConfig(name string, ps config.ProviderSettings, isDefault bool) providers.Config {
	cfg := providers.Config{
		APIKey:       ps.APIKey,
		BaseURL:      ps.BaseURL,
		DefaultModel: ps.DefaultModel,
		IsDefault:    isDefault,
		MaxRetries:   o.defaults.MaxRetries,
		BackoffBase:  o.defaults.BackoffBase,
		HTTPClient:   o.defaults.HTTPClient,
	}
	if ps.MaxRetries != nil {
		cfg.MaxRetries = *ps.MaxRetries
		// an explicit zero in settings means no retries
		if cfg.MaxRetries == 0 {
			cfg.MaxRetries = -1
		}
	}
	return cfg
}

// storedKeys opens every stored credential, resealing the ones written
// under a retired key.
func (o *Orchestrator) storedKeys(ctx context.Context) map[string]string {
	out := map[string]string{}
	if o.store == nil || o.sealer == nil {
		return out
	}
	creds, err := o.store.ListCredentials(ctx)
	if err != nil {
		o.log.Error().Err(err).Msg("list stored credentials")
		return out
	}
	for _, c := range creds {
		key, err := o.sealer.Open(c.Provider, c.EncAPIKey)
		if err != nil {
			o.log.Error().Err(err).Str("provider", c.Provider).Msg("stored credential unreadable")
			continue
		}
		out[c.Provider] = key
		if !o.sealer.NeedsRotation(c.EncAPIKey) {
			continue
		}
		sealed, err := o.sealer.Reseal(c.Provider, c.EncAPIKey)
		if err == nil {
			err = o.store.PutCredential(ctx, c.Provider, sealed)
		}
		if err != nil {
			o.log.Warn().Err(err).Str("provider", c.Provider).Msg("credential rotation failed")
			continue
		}
		o.log.Info().Str("provider", c.Provider).Str("key_id", o.sealer.CurrentKeyID()).Msg("credential resealed")
	}
	return out
}

// SetAPIKey seals and stores key for provider. A live provider picks the
// key up and reconnects; otherwise it is brought up with its last known
// settings.
func (o *Orchestrator) SetAPIKey(ctx context.Context, provider, key string) error {
	if o.store == nil || o.sealer == nil {
		return ErrNoStore
	}
	if key == "" {
		return providers.ErrMissingAPIKey
	}
	sealed, err := o.sealer.Seal(provider, key)
	if err != nil {
		return fmt.Errorf("seal api key: %w", err)
	}
	if err := o.store.PutCredential(ctx, provider, sealed); err != nil {
		return fmt.Errorf("store api key: %w", err)
	}

	if p, err := o.registry.GetProvider(provider); err == nil {
		p.SetAPIKey(key)
		if err := p.Connect(ctx); err != nil {
			return fmt.Errorf("reconnect %s: %w", provider, err)
		}
		o.log.Info().Str("provider", provider).Msg("api key updated")
		return nil
	}

	o.mu.Lock()
	ps, known := o.settings[provider]
	o.mu.Unlock()
	if !known {
		return nil
	}
	cfg := o.providerConfig(provider, ps, false)
	cfg.APIKey = key
	if _, err := o.registry.InitializeProvider(ctx, provider, cfg); err != nil {
		return err
	}
	return nil
}

// DeleteAPIKey forgets the stored key. A key that was never stored is not
// an error.
func (o *Orchestrator) DeleteAPIKey(ctx context.Context, provider string) error {
	if o.store == nil {
		return ErrNoStore
	}
	if err := o.store.DeleteCredential(ctx, provider); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete api key: %w", err)
	}
	return nil
}

func (o *Orchestrator) SetDefaultProvider(kind string) error {
	return o.registry.SetDefaultProvider(kind)
}

func (o *Orchestrator) Providers() []registry.Info {
	return o.registry.Describe()
}

func (o *Orchestrator) CheckHealth(ctx context.Context, kind string) bool {
	return o.registry.CheckHealth(ctx, kind)
}

func (o *Orchestrator) UsageStats() map[string]providers.Usage {
	return o.registry.AllUsageStats()
}

func (o *Orchestrator) ResetUsageStats(kind string) error {
	return o.registry.ResetUsageStats(kind)
}

// UsageHistory summarizes the persisted usage log per provider.
func (o *Orchestrator) UsageHistory(ctx context.Context) ([]storage.UsageTotal, error) {
	if o.store == nil {
		return []storage.UsageTotal{}, nil
	}
	return o.store.SummarizeUsage(ctx)
}

func (o *Orchestrator) Prompts() *prompt.Formatter { return o.prompts }

func (o *Orchestrator) SetSetting(ctx context.Context, key, value string) error {
	if o.store == nil {
		return ErrNoStore
	}
	return o.store.SetSetting(ctx, key, value)
}

func (o *Orchestrator) GetSetting(ctx context.Context, key string) (string, error) {
	if o.store == nil {
		return "", ErrNoStore
	}
	return o.store.GetSetting(ctx, key)
}

func (o *Orchestrator) DeleteSetting(ctx context.Context, key string) error {
	if o.store == nil {
		return ErrNoStore
	}
	return o.store.DeleteSetting(ctx, key)
}

func (o *Orchestrator) ListSettings(ctx context.Context) ([]storage.Setting, error) {
	if o.store == nil {
		return []storage.Setting{}, nil
	}
	return o.store.ListSettings(ctx)
}

func (o *Orchestrator) resolve(kind string) (providers.Provider, error) {
	p, err := o.registry.GetProvider(kind)
	if err == nil {
		return p, nil
	}
	if kind == "" {
		return nil, ErrNoProviderAvailable
	}
	return nil, err
}

func (o *Orchestrator) take(ctx context.Context, provider string) error {
	if o.quota == nil {
		return nil
	}
	return o.quota.Take(ctx, provider, o.now())
}
