// Package ollama is the local Ollama backend.
package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/rs/zerolog"

	"mimir/internal/apperr"
	"mimir/internal/providers"
)

const (
	Name           = "ollama"
	DefaultBaseURL = "http://localhost:11434"
)

var models = []string{"llama3", "llama3:8b", "llama3:70b", "codellama", "mistral", "phi3", "gemma"}

type Provider struct {
	*providers.Base
	retry providers.RetryPolicy
	log   zerolog.Logger

	mu     sync.RWMutex
	client *api.Client
}

var _ providers.Provider = (*Provider)(nil)

func New(cfg providers.Config) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Provider{
		Base:  providers.NewBase(Name, cfg, "llama3", models, nil, providers.Rate{}),
		retry: providers.NewRetryPolicy(cfg),
		log:   cfg.Logger.With().Str("provider", Name).Logger(),
	}
}

// Connect asks the server which models it has pulled and adopts that list.
func (p *Provider) Connect(ctx context.Context) error {
	cfg := p.Config()
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return fmt.Errorf("%w: ollama base url: %w", apperr.ErrConfiguration, err)
	}
	client := api.NewClient(u, cfg.HTTPClient)

	list, err := client.List(ctx)
	if err != nil {
		p.SetConnected(false)
		return fmt.Errorf("%w: ollama list models: %w", apperr.ErrConnection, err)
	}
	if len(list.Models) > 0 {
		names := make([]string, 0, len(list.Models))
		for _, m := range list.Models {
			names = append(names, m.Name)
		}
		p.SetModels(names)
	}

	p.mu.Lock()
	p.client = client
	p.mu.Unlock()
	p.SetConnected(true)
	p.log.Info().Int("models", len(list.Models)).Msg("connected")
	return nil
}

func (p *Provider) CheckHealth(ctx context.Context) bool {
	client := p.apiClient()
	if client == nil {
		return false
	}
	_, err := client.List(ctx)
	return err == nil
}

func (p *Provider) Complete(ctx context.Context, prompt string, opts providers.Options) (providers.Completion, error) {
	client := p.apiClient()
	if client == nil {
		return providers.Completion{}, providers.ErrNotConnected
	}
	opts = p.Resolve(opts)
	req := buildRequest(prompt, opts, false)

	var last api.ChatResponse
	err := p.retry.Do(ctx, func(ctx context.Context) (bool, error) {
		err := client.Chat(ctx, req, func(resp api.ChatResponse) error {
			last = resp
			return nil
		})
		if err != nil {
			p.log.Warn().Err(err).Str("model", opts.Model).Msg("completion attempt failed")
			return retryable(err), err
		}
		return false, nil
	})
	if err != nil {
		return providers.Completion{}, providers.Failure(Name, statusOf(err), err)
	}

	text := last.Message.Content
	promptText := providers.PromptText(opts.System, providers.Conversation(prompt, opts))
	usage := p.Account(opts.Model, promptText, text, last.PromptEvalCount, last.EvalCount)
	return providers.Completion{Text: text, Model: opts.Model, Usage: usage}, nil
}

func (p *Provider) Stream(ctx context.Context, prompt string, opts providers.Options) (<-chan providers.Chunk, error) {
	client := p.apiClient()
	if client == nil {
		return nil, providers.ErrNotConnected
	}
	opts = p.Resolve(opts)
	req := buildRequest(prompt, opts, true)
	em := providers.NewEmitter(ctx, 64)

	go func() {
		var sb strings.Builder
		var pt, ct int
		delivered := false
		errStopped := errors.New("consumer gone")

		err := p.retry.Do(ctx, func(ctx context.Context) (bool, error) {
			err := client.Chat(ctx, req, func(resp api.ChatResponse) error {
				delivered = true
				if resp.Done {
					pt, ct = resp.PromptEvalCount, resp.EvalCount
				}
				sb.WriteString(resp.Message.Content)
				if !em.Text(resp.Message.Content) {
					return errStopped
				}
				return nil
			})
			if err != nil && !delivered {
				return retryable(err), err
			}
			return false, err
		})
		switch {
		case errors.Is(err, errStopped):
			em.Finish(providers.Usage{}, ctx.Err())
		case err != nil:
			em.Finish(providers.Usage{}, providers.Failure(Name, statusOf(err), err))
		default:
			promptText := providers.PromptText(opts.System, providers.Conversation(prompt, opts))
			em.Finish(p.Account(opts.Model, promptText, sb.String(), pt, ct), nil)
		}
	}()
	return em.C(), nil
}

func buildRequest(prompt string, opts providers.Options, stream bool) *api.ChatRequest {
	msgs := make([]api.Message, 0, len(opts.Messages)+2)
	if opts.System != "" {
		msgs = append(msgs, api.Message{Role: string(providers.RoleSystem), Content: opts.System})
	}
	for _, m := range providers.Conversation(prompt, opts) {
		msgs = append(msgs, api.Message{Role: string(m.Role), Content: m.Content})
	}
	return &api.ChatRequest{
		Model:    opts.Model,
		Messages: msgs,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": opts.Temperature,
			"num_predict": opts.MaxTokens,
		},
	}
}

func (p *Provider) apiClient() *api.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.IsConnected() {
		return nil
	}
	return p.client
}

func statusOf(err error) int {
	var se api.StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

func retryable(err error) bool {
	if code := statusOf(err); code != 0 {
		return providers.RetryableStatus(code)
	}
	return providers.Retryable(err)
}
