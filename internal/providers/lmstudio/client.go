// Package lmstudio talks to a local LM Studio server through its
// OpenAI-compatible HTTP API.
package lmstudio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"mimir/internal/apperr"
	"mimir/internal/providers"
)

const (
	Name           = "lmstudio"
	DefaultBaseURL = "http://localhost:1234/v1"
)

type Client struct {
	*providers.Base
	http  *http.Client
	retry providers.RetryPolicy
	log   zerolog.Logger
}

var _ providers.Provider = (*Client)(nil)

func New(cfg providers.Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	return &Client{
		Base:  providers.NewBase(Name, cfg, "default", []string{"default", "custom"}, nil, providers.Rate{}),
		http:  cfg.HTTPClient,
		retry: providers.NewRetryPolicy(cfg),
		log:   cfg.Logger.With().Str("provider", Name).Logger(),
	}
}

// Connect lists the models the server has loaded and adopts them.
func (c *Client) Connect(ctx context.Context) error {
	ids, err := c.listModels(ctx)
	if err != nil {
		c.SetConnected(false)
		return fmt.Errorf("%w: lmstudio: %w", apperr.ErrConnection, err)
	}
	if len(ids) > 0 {
		c.SetModels(ids)
	}
	c.SetConnected(true)
	c.log.Info().Strs("models", ids).Msg("connected")
	return nil
}

func (c *Client) CheckHealth(ctx context.Context) bool {
	_, err := c.listModels(ctx)
	return err == nil
}

func (c *Client) Complete(ctx context.Context, prompt string, opts providers.Options) (providers.Completion, error) {
	if !c.IsConnected() {
		return providers.Completion{}, providers.ErrNotConnected
	}
	opts = c.Resolve(opts)
	body, endpointURL, err := c.buildPayload(prompt, opts, false)
	if err != nil {
		return providers.Completion{}, err
	}

	var text string
	var reported usagePayload
	err = c.retry.Do(ctx, func(ctx context.Context) (bool, error) {
		t, u, retry, err := c.callOnce(ctx, endpointURL, body)
		if err != nil {
			c.log.Warn().Err(err).Msg("completion attempt failed")
			return retry, err
		}
		text, reported = t, u
		return false, nil
	})
	if err != nil {
		return providers.Completion{}, providers.Failure(Name, statusOf(err), err)
	}

	promptText := providers.PromptText(opts.System, providers.Conversation(prompt, opts))
	usage := c.Account(opts.Model, promptText, text, reported.PromptTokens, reported.CompletionTokens)
	return providers.Completion{Text: text, Model: opts.Model, Usage: usage}, nil
}

func (c *Client) Stream(ctx context.Context, prompt string, opts providers.Options) (<-chan providers.Chunk, error) {
	if !c.IsConnected() {
		return nil, providers.ErrNotConnected
	}
	opts = c.Resolve(opts)
	body, endpointURL, err := c.buildPayload(prompt, opts, true)
	if err != nil {
		return nil, err
	}
	em := providers.NewEmitter(ctx, 64)
	go c.pump(ctx, endpointURL, body, prompt, opts, em)
	return em.C(), nil
}

func (c *Client) pump(ctx context.Context, endpointURL string, body []byte, prompt string, opts providers.Options, em *providers.Emitter) {
	var resp *http.Response
	err := c.retry.Do(ctx, func(ctx context.Context) (bool, error) {
		r, retry, err := c.open(ctx, endpointURL, body)
		if err != nil {
			return retry, err
		}
		resp = r
		return false, nil
	})
	if err != nil {
		em.Finish(providers.Usage{}, providers.Failure(Name, statusOf(err), err))
		return
	}
	defer resp.Body.Close()

	var sb strings.Builder
	var reported usagePayload
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
			Usage *usagePayload `json:"usage"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.log.Debug().Err(err).Str("line", data).Msg("skip unparsable stream line")
			continue
		}
		if chunk.Usage != nil {
			reported = *chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		sb.WriteString(delta)
		if !em.Text(delta) {
			em.Finish(providers.Usage{}, ctx.Err())
			return
		}
	}
	if err := scanner.Err(); err != nil {
		em.Finish(providers.Usage{}, fmt.Errorf("read stream: %w", err))
		return
	}
	promptText := providers.PromptText(opts.System, providers.Conversation(prompt, opts))
	em.Finish(c.Account(opts.Model, promptText, sb.String(), reported.PromptTokens, reported.CompletionTokens), nil)
}

type usagePayload struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func (c *Client) buildPayload(prompt string, opts providers.Options, stream bool) ([]byte, string, error) {
	endpointURL, err := c.endpoint("/chat/completions")
	if err != nil {
		return nil, "", err
	}

	messages := []map[string]string{}
	if strings.TrimSpace(opts.System) != "" {
		messages = append(messages, map[string]string{"role": "system", "content": opts.System})
	}
	for _, m := range providers.Conversation(prompt, opts) {
		messages = append(messages, map[string]string{"role": string(m.Role), "content": m.Content})
	}

	payload := map[string]any{
		"model":       opts.Model,
		"messages":    messages,
		"max_tokens":  opts.MaxTokens,
		"temperature": opts.Temperature,
	}
	if stream {
		payload["stream"] = true
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshal chat completion payload: %w", err)
	}
	return b, endpointURL, nil
}

func (c *Client) newRequest(ctx context.Context, method, endpointURL string, body []byte) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpointURL, rd)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key := strings.TrimSpace(c.Config().APIKey); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	return req, nil
}

// open starts a streaming request and returns the response once the server
// accepted it.
func (c *Client) open(ctx context.Context, endpointURL string, body []byte) (*http.Response, bool, error) {
	req, err := c.newRequest(ctx, http.MethodPost, endpointURL, body)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, providers.Retryable(err), fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, providers.RetryableStatus(resp.StatusCode), &providers.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return resp, false, nil
}

func (c *Client) callOnce(ctx context.Context, endpointURL string, body []byte) (text string, usage usagePayload, retry bool, err error) {
	req, err := c.newRequest(ctx, http.MethodPost, endpointURL, body)
	if err != nil {
		return "", usage, false, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", usage, providers.Retryable(err), fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", usage, true, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", usage, providers.RetryableStatus(resp.StatusCode), &providers.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	text, usage, err = parseChatCompletions(respBody)
	if err != nil {
		return "", usage, false, err
	}
	return text, usage, false, nil
}

func (c *Client) listModels(ctx context.Context) ([]string, error) {
	endpointURL, err := c.endpoint("/models")
	if err != nil {
		return nil, err
	}
	req, err := c.newRequest(ctx, http.MethodGet, endpointURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &providers.StatusError{Code: resp.StatusCode}
	}
	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode models: %w", apperr.ErrParse, err)
	}
	ids := make([]string, 0, len(out.Data))
	for _, m := range out.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (c *Client) endpoint(suffix string) (string, error) {
	base := strings.TrimSpace(c.Config().BaseURL)
	if base == "" {
		return "", fmt.Errorf("%w: base url is empty", apperr.ErrConfiguration)
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("%w: parse base url: %w", apperr.ErrConfiguration, err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + suffix
	return u.String(), nil
}

func parseChatCompletions(body []byte) (string, usagePayload, error) {
	var resp struct {
		Choices []struct {
			Message struct {
				Content any `json:"content"`
			} `json:"message"`
			Text string `json:"text"`
		} `json:"choices"`
		Usage usagePayload `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", usagePayload{}, fmt.Errorf("%w: decode chat completion response: %w", apperr.ErrParse, err)
	}
	if len(resp.Choices) == 0 {
		return "", resp.Usage, fmt.Errorf("%w: empty choices in chat completion response", apperr.ErrParse)
	}
	if resp.Choices[0].Text != "" {
		return resp.Choices[0].Text, resp.Usage, nil
	}
	return anyToText(resp.Choices[0].Message.Content), resp.Usage, nil
}

func anyToText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				if txt, ok := m["text"].(string); ok {
					parts = append(parts, txt)
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}

func statusOf(err error) int {
	var se *providers.StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}
