package providers

import (
	"math"
	"sync"
	"unicode/utf8"
)

// Rate is a per-1000-token price in USD.
type Rate struct {
	Input  float64
	Output float64
}

type CostTable map[string]Rate

// EstimateTokens is the fallback estimator: one token per four characters.
func EstimateTokens(text string) int {
	return int(math.Ceil(float64(utf8.RuneCountInString(text)) / 4))
}

// Cost prices a usage pair against rate.
func Cost(promptTokens, completionTokens int, rate Rate) float64 {
	return float64(promptTokens)/1000*rate.Input + float64(completionTokens)/1000*rate.Output
}

// Base carries the state every backend shares: identity, configuration,
// connection flag, model list, cost table and running usage totals.
// Backends embed *Base and get the bookkeeping half of Provider for free.
type Base struct {
	mu sync.RWMutex

	name         string
	cfg          Config
	connected    bool
	models       []string
	defaultModel string
	costs        CostTable
	fallback     Rate
	usage        Usage
}

func NewBase(name string, cfg Config, defaultModel string, models []string, costs CostTable, fallback Rate) *Base {
	if cfg.DefaultModel != "" {
		defaultModel = cfg.DefaultModel
	}
	return &Base{
		name:         name,
		cfg:          cfg,
		models:       append([]string(nil), models...),
		defaultModel: defaultModel,
		costs:        costs,
		fallback:     fallback,
	}
}

func (b *Base) Name() string { return b.name }

func (b *Base) Config() Config {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg
}

func (b *Base) SetAPIKey(key string) {
	b.mu.Lock()
	b.cfg.APIKey = key
	b.mu.Unlock()
}

func (b *Base) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

func (b *Base) SetConnected(v bool) {
	b.mu.Lock()
	b.connected = v
	b.mu.Unlock()
}

func (b *Base) SupportedModels() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.models...)
}

// SetModels replaces the model list, e.g. after a local server reported
// what it has loaded.
func (b *Base) SetModels(models []string) {
	b.mu.Lock()
	b.models = append([]string(nil), models...)
	b.mu.Unlock()
}

func (b *Base) DefaultModel() string { return b.defaultModel }

// Resolve fills unset options with the provider defaults.
func (b *Base) Resolve(opts Options) Options {
	if opts.Model == "" {
		opts.Model = b.defaultModel
	}
	if opts.Temperature <= 0 {
		opts.Temperature = DefaultTemperature
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	return opts
}

func (b *Base) RateFor(model string) Rate {
	if r, ok := b.costs[model]; ok {
		return r
	}
	return b.fallback
}

// Account builds the usage of one completion and folds it into the running
// totals. Reported token counts win; zero counts fall back to estimates.
func (b *Base) Account(model, prompt, completion string, reportedPrompt, reportedCompletion int) Usage {
	pt := reportedPrompt
	if pt <= 0 {
		pt = EstimateTokens(prompt)
	}
	ct := reportedCompletion
	if ct <= 0 {
		ct = EstimateTokens(completion)
	}
	u := Usage{
		PromptTokens:     pt,
		CompletionTokens: ct,
		TotalTokens:      pt + ct,
		Cost:             Cost(pt, ct, b.RateFor(model)),
	}
	b.UpdateUsageStats(u)
	return u
}

func (b *Base) UpdateUsageStats(u Usage) {
	b.mu.Lock()
	b.usage = b.usage.Add(u)
	b.mu.Unlock()
}

func (b *Base) Usage() Usage {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.usage
}

func (b *Base) ResetUsage() {
	b.mu.Lock()
	b.usage = Usage{}
	b.mu.Unlock()
}
