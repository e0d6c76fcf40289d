// Package anthropic is the Anthropic Messages API backend.
package anthropic

import (
	"context"
	"errors"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/rs/zerolog"

	"mimir/internal/providers"
)

const Name = "anthropic"

var models = []string{
	"claude-3-opus-20240229",
	"claude-3-sonnet-20240229",
	"claude-3-haiku-20240307",
	"claude-2.1",
	"claude-2.0",
	"claude-instant-1.2",
}

var costs = providers.CostTable{
	"claude-3-opus-20240229":   {Input: 0.015, Output: 0.075},
	"claude-3-sonnet-20240229": {Input: 0.003, Output: 0.015},
	"claude-3-haiku-20240307":  {Input: 0.00025, Output: 0.00125},
	"claude-2.1":               {Input: 0.008, Output: 0.024},
	"claude-2.0":               {Input: 0.008, Output: 0.024},
	"claude-instant-1.2":       {Input: 0.0008, Output: 0.0024},
}

var genericRate = providers.Rate{Input: 0.003, Output: 0.015}

type Provider struct {
	*providers.Base
	retry providers.RetryPolicy
	log   zerolog.Logger

	mu     sync.RWMutex
	client *sdk.Client
}

var _ providers.Provider = (*Provider)(nil)

func New(cfg providers.Config) *Provider {
	return &Provider{
		Base:  providers.NewBase(Name, cfg, "claude-3-haiku-20240307", models, costs, genericRate),
		retry: providers.NewRetryPolicy(cfg),
		log:   cfg.Logger.With().Str("provider", Name).Logger(),
	}
}

func (p *Provider) Connect(ctx context.Context) error {
	cfg := p.Config()
	if strings.TrimSpace(cfg.APIKey) == "" {
		p.SetConnected(false)
		return providers.ErrMissingAPIKey
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	client := sdk.NewClient(opts...)

	p.mu.Lock()
	p.client = &client
	p.mu.Unlock()
	p.SetConnected(true)
	return nil
}

func (p *Provider) CheckHealth(ctx context.Context) bool {
	if !p.IsConnected() {
		return false
	}
	_, err := p.Complete(ctx, "ping", providers.Options{MaxTokens: 5})
	return err == nil
}

func (p *Provider) Complete(ctx context.Context, prompt string, opts providers.Options) (providers.Completion, error) {
	client, err := p.sdkClient()
	if err != nil {
		return providers.Completion{}, err
	}
	opts = p.Resolve(opts)
	params := buildParams(prompt, opts)

	var msg *sdk.Message
	err = p.retry.Do(ctx, func(ctx context.Context) (bool, error) {
		m, err := client.Messages.New(ctx, params)
		if err != nil {
			p.log.Warn().Err(err).Str("model", opts.Model).Msg("completion attempt failed")
			return retryable(err), err
		}
		msg = m
		return false, nil
	})
	if err != nil {
		return providers.Completion{}, providers.Failure(Name, statusOf(err), err)
	}

	text := textOf(msg)
	promptText := providers.PromptText(opts.System, providers.Conversation(prompt, opts))
	usage := p.Account(opts.Model, promptText, text, int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens))
	return providers.Completion{Text: text, Model: opts.Model, Usage: usage}, nil
}

func (p *Provider) Stream(ctx context.Context, prompt string, opts providers.Options) (<-chan providers.Chunk, error) {
	client, err := p.sdkClient()
	if err != nil {
		return nil, err
	}
	opts = p.Resolve(opts)
	em := providers.NewEmitter(ctx, 64)
	go p.pump(ctx, client, buildParams(prompt, opts), prompt, opts, em)
	return em.C(), nil
}

func (p *Provider) pump(ctx context.Context, client *sdk.Client, params sdk.MessageNewParams, prompt string, opts providers.Options, em *providers.Emitter) {
	var stream *ssestream.Stream[sdk.MessageStreamEventUnion]
	var primed bool
	err := p.retry.Do(ctx, func(ctx context.Context) (bool, error) {
		s := client.Messages.NewStreaming(ctx, params)
		if s.Next() {
			stream, primed = s, true
			return false, nil
		}
		if err := s.Err(); err != nil {
			s.Close()
			return retryable(err), err
		}
		stream = s
		return false, nil
	})
	if err != nil {
		em.Finish(providers.Usage{}, providers.Failure(Name, statusOf(err), err))
		return
	}
	defer stream.Close()

	var sb strings.Builder
	acc := sdk.Message{}
	handle := func(event sdk.MessageStreamEventUnion) (bool, error) {
		if err := acc.Accumulate(event); err != nil {
			return false, err
		}
		if event.Type != "content_block_delta" {
			return true, nil
		}
		delta := event.AsContentBlockDelta()
		if d, ok := delta.Delta.AsAny().(sdk.TextDelta); ok {
			sb.WriteString(d.Text)
			return em.Text(d.Text), nil
		}
		return true, nil
	}

	ok := true
	if primed {
		ok, err = handle(stream.Current())
		for ok && err == nil && stream.Next() {
			ok, err = handle(stream.Current())
		}
	}
	if err == nil {
		err = stream.Err()
	}
	if err != nil {
		em.Finish(providers.Usage{}, providers.Failure(Name, statusOf(err), err))
		return
	}
	if !ok {
		em.Finish(providers.Usage{}, ctx.Err())
		return
	}
	promptText := providers.PromptText(opts.System, providers.Conversation(prompt, opts))
	usage := p.Account(opts.Model, promptText, sb.String(), int(acc.Usage.InputTokens), int(acc.Usage.OutputTokens))
	em.Finish(usage, nil)
}

// buildParams splits system turns out of the conversation; the Messages
// API takes them as a separate field.
func buildParams(prompt string, opts providers.Options) sdk.MessageNewParams {
	var system []sdk.TextBlockParam
	if opts.System != "" {
		system = append(system, sdk.TextBlockParam{Text: opts.System})
	}
	var msgs []sdk.MessageParam
	for _, m := range providers.Conversation(prompt, opts) {
		switch m.Role {
		case providers.RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case providers.RoleAssistant:
			msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	params := sdk.MessageNewParams{
		Model:       sdk.Model(opts.Model),
		MaxTokens:   int64(opts.MaxTokens),
		Messages:    msgs,
		Temperature: sdk.Float(opts.Temperature),
	}
	if len(system) > 0 {
		params.System = system
	}
	return params
}

func textOf(msg *sdk.Message) string {
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

func (p *Provider) sdkClient() (*sdk.Client, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.client == nil || !p.IsConnected() {
		return nil, providers.ErrNotConnected
	}
	return p.client, nil
}

func statusOf(err error) int {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

func retryable(err error) bool {
	if code := statusOf(err); code != 0 {
		return providers.RetryableStatus(code)
	}
	return providers.Retryable(err)
}
