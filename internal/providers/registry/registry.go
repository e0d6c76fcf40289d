package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"mimir/internal/apperr"
	"mimir/internal/providers"
	"mimir/internal/providers/anthropic"
	"mimir/internal/providers/google"
	"mimir/internal/providers/lmstudio"
	"mimir/internal/providers/ollama"
	"mimir/internal/providers/openai"
)

var (
	ErrUnknownProviderType    = fmt.Errorf("%w: unknown provider type", apperr.ErrConfiguration)
	ErrProviderNotInitialized = fmt.Errorf("%w: provider not initialized", apperr.ErrNotFound)
)

// Factory builds an unconnected backend.
type Factory func(cfg providers.Config) providers.Provider

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

func init() {
	Register(openai.Name, func(cfg providers.Config) providers.Provider { return openai.New(cfg) })
	Register(anthropic.Name, func(cfg providers.Config) providers.Provider { return anthropic.New(cfg) })
	Register(google.Name, func(cfg providers.Config) providers.Provider { return google.New(cfg) })
	Register(ollama.Name, func(cfg providers.Config) providers.Provider { return ollama.New(cfg) })
	Register(lmstudio.Name, func(cfg providers.Config) providers.Provider { return lmstudio.New(cfg) })
}

// Register makes a backend type constructible by name. A later call for
// the same name replaces the earlier factory.
func Register(kind string, f Factory) {
	factoriesMu.Lock()
	factories[normalize(kind)] = f
	factoriesMu.Unlock()
}

// Types lists every registered backend type, sorted.
func Types() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func lookup(kind string) (Factory, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[kind]
	return f, ok
}

func normalize(kind string) string {
	return strings.ToLower(strings.TrimSpace(kind))
}

// Info describes one initialized provider.
type Info struct {
	Type         string   `json:"type"`
	Connected    bool     `json:"connected"`
	Default      bool     `json:"default"`
	DefaultModel string   `json:"defaultModel"`
	Models       []string `json:"models"`
}

// Registry holds the live providers and the default selection.
type Registry struct {
	base zerolog.Logger
	log  zerolog.Logger

	mu          sync.RWMutex
	providers   map[string]providers.Provider
	defaultType string
}

func New(log zerolog.Logger) *Registry {
	return &Registry{
		base:      log,
		log:       log.With().Str("component", "registry").Logger(),
		providers: map[string]providers.Provider{},
	}
}

// InitializeProvider constructs and connects a backend and stores it under
// its type. The first stored provider, or one configured IsDefault, becomes
// the default. A failed connect leaves the registry unchanged.
func (r *Registry) InitializeProvider(ctx context.Context, kind string, cfg providers.Config) (providers.Provider, error) {
	kind = normalize(kind)
	f, ok := lookup(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProviderType, kind)
	}
	cfg.Logger = r.base
	p := f(cfg)
	if err := p.Connect(ctx); err != nil {
		r.log.Error().Err(err).Str("provider", kind).Msg("initialize provider failed")
		return nil, err
	}

	r.mu.Lock()
	r.providers[kind] = p
	if r.defaultType == "" || cfg.IsDefault {
		r.defaultType = kind
	}
	r.mu.Unlock()
	r.log.Info().Str("provider", kind).Bool("default", cfg.IsDefault).Msg("provider initialized")
	return p, nil
}

// GetProvider returns the provider for kind; an empty kind means the default.
func (r *Registry) GetProvider(kind string) (providers.Provider, error) {
	kind = normalize(kind)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if kind == "" {
		kind = r.defaultType
		if kind == "" {
			return nil, fmt.Errorf("%w: no default provider set", ErrProviderNotInitialized)
		}
	}
	p, ok := r.providers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotInitialized, kind)
	}
	return p, nil
}

func (r *Registry) SetDefaultProvider(kind string) error {
	kind = normalize(kind)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[kind]; !ok {
		return fmt.Errorf("%w: %s", ErrProviderNotInitialized, kind)
	}
	r.defaultType = kind
	return nil
}

func (r *Registry) DefaultType() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultType
}

func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[normalize(kind)]
	return ok
}

func (r *Registry) AllUsageStats() map[string]providers.Usage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]providers.Usage, len(r.providers))
	for k, p := range r.providers {
		out[k] = p.Usage()
	}
	return out
}

// ResetUsageStats zeroes the totals of one provider, or of all when kind
// is empty.
func (r *Registry) ResetUsageStats(kind string) error {
	kind = normalize(kind)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if kind == "" {
		for _, p := range r.providers {
			p.ResetUsage()
		}
		return nil
	}
	p, ok := r.providers[kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProviderNotInitialized, kind)
	}
	p.ResetUsage()
	return nil
}

func (r *Registry) Describe() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.providers))
	for k, p := range r.providers {
		out = append(out, Info{
			Type:         k,
			Connected:    p.IsConnected(),
			Default:      k == r.defaultType,
			DefaultModel: p.DefaultModel(),
			Models:       p.SupportedModels(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// CheckHealth reports false for unknown providers as well as unhealthy ones.
func (r *Registry) CheckHealth(ctx context.Context, kind string) bool {
	p, err := r.GetProvider(kind)
	if err != nil {
		return false
	}
	return p.CheckHealth(ctx)
}
