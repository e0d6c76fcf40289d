// Package google is the Gemini backend built on generative-ai-go.
package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"mimir/internal/apperr"
	"mimir/internal/providers"
)

const Name = "google"

var models = []string{
	"gemini-1.5-pro-latest",
	"gemini-1.5-flash-latest",
	"gemini-1.0-pro",
	"gemini-1.0-pro-vision",
}

var costs = providers.CostTable{
	"gemini-1.5-pro-latest":   {Input: 0.0005, Output: 0.0015},
	"gemini-1.5-flash-latest": {Input: 0.00025, Output: 0.0005},
	"gemini-1.0-pro":          {Input: 0.00025, Output: 0.0005},
	"gemini-1.0-pro-vision":   {Input: 0.0005, Output: 0.0015},
}

var genericRate = providers.Rate{Input: 0.0005, Output: 0.0015}

type Provider struct {
	*providers.Base
	retry providers.RetryPolicy
	log   zerolog.Logger

	mu     sync.RWMutex
	client *genai.Client
}

var _ providers.Provider = (*Provider)(nil)

func New(cfg providers.Config) *Provider {
	return &Provider{
		Base:  providers.NewBase(Name, cfg, "gemini-1.0-pro", models, costs, genericRate),
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
	opts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithEndpoint(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		// a custom client replaces option.WithAPIKey, so the key rides on its transport
		opts = append(opts, option.WithHTTPClient(withAPIKey(cfg.HTTPClient, cfg.APIKey)))
	}
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		p.SetConnected(false)
		return fmt.Errorf("%w: google client: %w", apperr.ErrConnection, err)
	}

	p.mu.Lock()
	old := p.client
	p.client = client
	p.mu.Unlock()
	if old != nil {
		old.Close()
	}
	p.SetConnected(true)
	return nil
}

type keyTransport struct {
	key  string
	base http.RoundTripper
}

func (t keyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.Header.Set("x-goog-api-key", t.key)
	return t.base.RoundTrip(r)
}

// withAPIKey copies hc with a transport that authenticates every request.
func withAPIKey(hc *http.Client, key string) *http.Client {
	out := *hc
	base := hc.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	out.Transport = keyTransport{key: key, base: base}
	return &out
}

func (p *Provider) CheckHealth(ctx context.Context) bool {
	if !p.IsConnected() {
		return false
	}
	_, err := p.Complete(ctx, "ping", providers.Options{MaxTokens: 5})
	return err == nil
}

func (p *Provider) Complete(ctx context.Context, prompt string, opts providers.Options) (providers.Completion, error) {
	model, history, last, opts, err := p.prepare(prompt, opts)
	if err != nil {
		return providers.Completion{}, err
	}

	var resp *genai.GenerateContentResponse
	err = p.retry.Do(ctx, func(ctx context.Context) (bool, error) {
		cs := model.StartChat()
		cs.History = history
		r, err := cs.SendMessage(ctx, genai.Text(last))
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

	text := responseText(resp)
	pt, ct := reported(resp)
	promptText := providers.PromptText(opts.System, providers.Conversation(prompt, opts))
	usage := p.Account(opts.Model, promptText, text, pt, ct)
	return providers.Completion{Text: text, Model: opts.Model, Usage: usage}, nil
}

func (p *Provider) Stream(ctx context.Context, prompt string, opts providers.Options) (<-chan providers.Chunk, error) {
	model, history, last, opts, err := p.prepare(prompt, opts)
	if err != nil {
		return nil, err
	}
	em := providers.NewEmitter(ctx, 64)
	go p.pump(ctx, model, history, last, prompt, opts, em)
	return em.C(), nil
}

func (p *Provider) pump(ctx context.Context, model *genai.GenerativeModel, history []*genai.Content, last, prompt string, opts providers.Options, em *providers.Emitter) {
	var it *genai.GenerateContentResponseIterator
	var first *genai.GenerateContentResponse
	err := p.retry.Do(ctx, func(ctx context.Context) (bool, error) {
		cs := model.StartChat()
		cs.History = history
		iter := cs.SendMessageStream(ctx, genai.Text(last))
		r, err := iter.Next()
		if err != nil && !errors.Is(err, iterator.Done) {
			return retryable(err), err
		}
		it, first = iter, r
		return false, nil
	})
	if err != nil {
		em.Finish(providers.Usage{}, providers.Failure(Name, statusOf(err), err))
		return
	}

	var sb strings.Builder
	var pt, ct int
	resp := first
	for resp != nil {
		if a, b := reported(resp); a > 0 || b > 0 {
			pt, ct = a, b
		}
		text := responseText(resp)
		sb.WriteString(text)
		if !em.Text(text) {
			em.Finish(providers.Usage{}, ctx.Err())
			return
		}
		resp, err = it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			em.Finish(providers.Usage{}, providers.Failure(Name, statusOf(err), err))
			return
		}
	}
	promptText := providers.PromptText(opts.System, providers.Conversation(prompt, opts))
	em.Finish(p.Account(opts.Model, promptText, sb.String(), pt, ct), nil)
}

// prepare configures a model handle and splits the conversation into chat
// history plus the final user turn that gets sent.
func (p *Provider) prepare(prompt string, opts providers.Options) (*genai.GenerativeModel, []*genai.Content, string, providers.Options, error) {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client == nil || !p.IsConnected() {
		return nil, nil, "", opts, providers.ErrNotConnected
	}
	opts = p.Resolve(opts)

	model := client.GenerativeModel(opts.Model)
	model.SetTemperature(float32(opts.Temperature))
	model.SetMaxOutputTokens(int32(opts.MaxTokens))

	system, history, last := splitConversation(opts.System, providers.Conversation(prompt, opts))
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	return model, history, last, opts, nil
}

// splitConversation maps roles onto Gemini's user/model pair. System turns
// are merged into the system instruction.
func splitConversation(system string, msgs []providers.Message) (string, []*genai.Content, string) {
	var sys []string
	if system != "" {
		sys = append(sys, system)
	}
	var turns []providers.Message
	for _, m := range msgs {
		if m.Role == providers.RoleSystem {
			sys = append(sys, m.Content)
			continue
		}
		turns = append(turns, m)
	}

	var last string
	if n := len(turns); n > 0 && turns[n-1].Role == providers.RoleUser {
		last = turns[n-1].Content
		turns = turns[:n-1]
	}
	history := make([]*genai.Content, 0, len(turns))
	for _, m := range turns {
		role := "user"
		if m.Role == providers.RoleAssistant {
			role = "model"
		}
		history = append(history, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(m.Content)}})
	}
	return strings.Join(sys, "\n\n"), history, last
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var sb strings.Builder
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				sb.WriteString(string(t))
			}
		}
		break
	}
	return sb.String()
}

func reported(resp *genai.GenerateContentResponse) (int, int) {
	if resp == nil || resp.UsageMetadata == nil {
		return 0, 0
	}
	return int(resp.UsageMetadata.PromptTokenCount), int(resp.UsageMetadata.CandidatesTokenCount)
}

func statusOf(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return 0
}

var retryableMarkers = []string{"rate limit", "resource exhausted", "timeout", "connection", "socket", "econnreset", "429", "500", "502", "503", "504"}

func retryable(err error) bool {
	if code := statusOf(err); code != 0 {
		return providers.RetryableStatus(code)
	}
	if providers.Retryable(err) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range retryableMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
