// Package openai is the OpenAI chat completions backend.
package openai

import (
	"context"
	"errors"
	"strings"
	"sync"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"
	"github.com/rs/zerolog"

	"mimir/internal/providers"
)

const Name = "openai"

var models = []string{
	"gpt-4-0125-preview",
	"gpt-4-turbo-preview",
	"gpt-4-vision-preview",
	"gpt-4",
	"gpt-3.5-turbo",
	"gpt-3.5-turbo-16k",
}

var costs = providers.CostTable{
	"gpt-4-0125-preview":   {Input: 0.01, Output: 0.03},
	"gpt-4-turbo-preview":  {Input: 0.01, Output: 0.03},
	"gpt-4-vision-preview": {Input: 0.01, Output: 0.03},
	"gpt-4":                {Input: 0.03, Output: 0.06},
	"gpt-3.5-turbo":        {Input: 0.0015, Output: 0.002},
	"gpt-3.5-turbo-16k":    {Input: 0.003, Output: 0.004},
}

var genericRate = providers.Rate{Input: 0.01, Output: 0.03}

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
		Base:  providers.NewBase(Name, cfg, "gpt-3.5-turbo", models, costs, genericRate),
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
	p.log.Debug().Msg("client ready")
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
	params := p.params(prompt, opts)

	var resp *sdk.ChatCompletion
	err = p.retry.Do(ctx, func(ctx context.Context) (bool, error) {
		r, err := client.Chat.Completions.New(ctx, params)
		if err != nil {
			p.log.Warn().Err(err).Str("model", opts.Model).Msg("completion attempt failed")
			return retryable(err), err
		}
		resp = r
		return false, nil
	})
	if err != nil {
		return providers.Completion{}, providers.Failure(Name, statusOf(err), err)
	}

	var text string
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
	}
	promptText := providers.PromptText(opts.System, providers.Conversation(prompt, opts))
	usage := p.Account(opts.Model, promptText, text, int(resp.Usage.PromptTokens), int(resp.Usage.CompletionTokens))
	return providers.Completion{Text: text, Model: opts.Model, Usage: usage}, nil
}

func (p *Provider) Stream(ctx context.Context, prompt string, opts providers.Options) (<-chan providers.Chunk, error) {
	client, err := p.sdkClient()
	if err != nil {
		return nil, err
	}
	opts = p.Resolve(opts)
	params := p.params(prompt, opts)
	params.StreamOptions = sdk.ChatCompletionStreamOptionsParam{IncludeUsage: sdk.Bool(true)}

	em := providers.NewEmitter(ctx, 64)
	go p.pump(ctx, client, params, prompt, opts, em)
	return em.C(), nil
}

func (p *Provider) pump(ctx context.Context, client *sdk.Client, params sdk.ChatCompletionNewParams, prompt string, opts providers.Options, em *providers.Emitter) {
	var stream *ssestream.Stream[sdk.ChatCompletionChunk]
	var primed bool
	err := p.retry.Do(ctx, func(ctx context.Context) (bool, error) {
		s := client.Chat.Completions.NewStreaming(ctx, params)
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
	var reportedPrompt, reportedCompletion int
	handle := func(chunk sdk.ChatCompletionChunk) bool {
		if chunk.Usage.TotalTokens > 0 {
			reportedPrompt = int(chunk.Usage.PromptTokens)
			reportedCompletion = int(chunk.Usage.CompletionTokens)
		}
		if len(chunk.Choices) == 0 {
			return true
		}
		delta := chunk.Choices[0].Delta.Content
		sb.WriteString(delta)
		return em.Text(delta)
	}

	ok := true
	if primed {
		ok = handle(stream.Current())
		for ok && stream.Next() {
			ok = handle(stream.Current())
		}
	}
	if err := stream.Err(); err != nil {
		em.Finish(providers.Usage{}, providers.Failure(Name, statusOf(err), err))
		return
	}
	if !ok {
		em.Finish(providers.Usage{}, ctx.Err())
		return
	}
	promptText := providers.PromptText(opts.System, providers.Conversation(prompt, opts))
	em.Finish(p.Account(opts.Model, promptText, sb.String(), reportedPrompt, reportedCompletion), nil)
}

func (p *Provider) params(prompt string, opts providers.Options) sdk.ChatCompletionNewParams {
	var msgs []sdk.ChatCompletionMessageParamUnion
	if opts.System != "" {
		msgs = append(msgs, sdk.SystemMessage(opts.System))
	}
	for _, m := range providers.Conversation(prompt, opts) {
		switch m.Role {
		case providers.RoleSystem:
			msgs = append(msgs, sdk.SystemMessage(m.Content))
		case providers.RoleAssistant:
			msgs = append(msgs, sdk.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, sdk.UserMessage(m.Content))
		}
	}
	return sdk.ChatCompletionNewParams{
		Model:       shared.ChatModel(opts.Model),
		Messages:    msgs,
		MaxTokens:   sdk.Int(int64(opts.MaxTokens)),
		Temperature: sdk.Float(opts.Temperature),
	}
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
