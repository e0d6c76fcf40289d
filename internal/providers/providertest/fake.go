// Package providertest has an in-memory Provider for tests.
package providertest

import (
	"context"
	"strings"
	"sync"

	"mimir/internal/providers"
)

// Fake replies with a scripted response. Stream emits Chunks in order;
// Complete returns them joined.
type Fake struct {
	*providers.Base

	mu         sync.Mutex
	Chunks     []string
	Err        error
	ConnectErr error
	Healthy    bool
	// Block, when set, makes Stream wait after the first chunk until the
	// context is cancelled.
	Block bool

	Prompts []string
	Options []providers.Options
}

var _ providers.Provider = (*Fake)(nil)

func New(name string, cfg providers.Config, chunks ...string) *Fake {
	return &Fake{
		Base:    providers.NewBase(name, cfg, "fake-model", []string{"fake-model"}, nil, providers.Rate{Input: 0.001, Output: 0.002}),
		Chunks:  chunks,
		Healthy: true,
	}
}

func (f *Fake) Connect(ctx context.Context) error {
	if f.ConnectErr != nil {
		f.SetConnected(false)
		return f.ConnectErr
	}
	f.SetConnected(true)
	return nil
}

func (f *Fake) CheckHealth(ctx context.Context) bool { return f.IsConnected() && f.Healthy }

func (f *Fake) record(prompt string, opts providers.Options) {
	f.mu.Lock()
	f.Prompts = append(f.Prompts, prompt)
	f.Options = append(f.Options, opts)
	f.mu.Unlock()
}

// Calls reports how many completions were requested.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Prompts)
}

func (f *Fake) Complete(ctx context.Context, prompt string, opts providers.Options) (providers.Completion, error) {
	if !f.IsConnected() {
		return providers.Completion{}, providers.ErrNotConnected
	}
	opts = f.Resolve(opts)
	f.record(prompt, opts)
	if f.Err != nil {
		return providers.Completion{}, f.Err
	}
	text := strings.Join(f.Chunks, "")
	usage := f.Account(opts.Model, providers.PromptText(opts.System, providers.Conversation(prompt, opts)), text, 0, 0)
	return providers.Completion{Text: text, Model: opts.Model, Usage: usage}, nil
}

func (f *Fake) Stream(ctx context.Context, prompt string, opts providers.Options) (<-chan providers.Chunk, error) {
	if !f.IsConnected() {
		return nil, providers.ErrNotConnected
	}
	opts = f.Resolve(opts)
	f.record(prompt, opts)
	em := providers.NewEmitter(ctx, len(f.Chunks)+1)
	go func() {
		var sb strings.Builder
		for i, c := range f.Chunks {
			if !em.Text(c) {
				em.Finish(providers.Usage{}, ctx.Err())
				return
			}
			sb.WriteString(c)
			if i == 0 && f.Block {
				<-ctx.Done()
				em.Finish(providers.Usage{}, ctx.Err())
				return
			}
		}
		if f.Err != nil {
			em.Finish(providers.Usage{}, f.Err)
			return
		}
		usage := f.Account(opts.Model, providers.PromptText(opts.System, providers.Conversation(prompt, opts)), sb.String(), 0, 0)
		em.Finish(usage, nil)
	}()
	return em.C(), nil
}
