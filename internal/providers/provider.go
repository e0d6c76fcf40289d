package providers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"mimir/internal/apperr"
)

const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1024
)

var (
	ErrMissingAPIKey = fmt.Errorf("%w: api key is required", apperr.ErrConfiguration)
	ErrNotConnected  = fmt.Errorf("%w: provider is not connected", apperr.ErrConnection)
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Options tunes a single completion. Zero values fall back to the
// provider defaults. When Messages is set it replaces the bare prompt.
type Options struct {
	Model       string    `json:"model,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"maxTokens,omitempty"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages,omitempty"`
}

type Usage struct {
	PromptTokens     int     `json:"promptTokens"`
	CompletionTokens int     `json:"completionTokens"`
	TotalTokens      int     `json:"totalTokens"`
	Cost             float64 `json:"totalCost"`
}

func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
		Cost:             u.Cost + o.Cost,
	}
}

type Completion struct {
	Text  string `json:"completion"`
	Model string `json:"model"`
	Usage Usage  `json:"usage"`
}

// Chunk is one element of a completion stream. Exactly one chunk with
// Done set is delivered, always last; it carries either Usage or Err.
type Chunk struct {
	Text  string
	Done  bool
	Usage *Usage
	Err   error
}

// Config is what a backend is constructed with.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	IsDefault    bool
	// MaxRetries of zero means DefaultMaxRetries; negative disables retries.
	MaxRetries   int
	BackoffBase  time.Duration
	HTTPClient   *http.Client
	Logger       zerolog.Logger
}

type Provider interface {
	Name() string
	Connect(ctx context.Context) error
	CheckHealth(ctx context.Context) bool
	Complete(ctx context.Context, prompt string, opts Options) (Completion, error)
	Stream(ctx context.Context, prompt string, opts Options) (<-chan Chunk, error)

	IsConnected() bool
	SupportedModels() []string
	DefaultModel() string
	SetAPIKey(key string)
	Usage() Usage
	ResetUsage()
}

// Conversation returns the message sequence a backend should submit:
// opts.Messages when present, otherwise the prompt as a single user turn.
func Conversation(prompt string, opts Options) []Message {
	if len(opts.Messages) > 0 {
		return opts.Messages
	}
	return []Message{{Role: RoleUser, Content: prompt}}
}

// PromptText flattens a message sequence for token estimation.
func PromptText(system string, msgs []Message) string {
	n := len(system)
	for _, m := range msgs {
		n += len(m.Content)
	}
	buf := make([]byte, 0, n)
	buf = append(buf, system...)
	for _, m := range msgs {
		buf = append(buf, m.Content...)
	}
	return string(buf)
}
