package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"mimir/internal/actions"
	"mimir/internal/apperr"
	"mimir/internal/conversation"
	"mimir/internal/metrics"
	"mimir/internal/prompt"
	"mimir/internal/providers"
	"mimir/internal/response"
	"mimir/internal/storage"
)

var ErrStreamCancelled = fmt.Errorf("%w: stream cancelled", apperr.ErrStream)

const streamBuffer = 16

// Request is one completion. An empty Provider means the default one.
// With ConversationID set the cleaned reply is recorded there.
type Request struct {
	Provider       string            `json:"provider,omitempty"`
	Prompt         string            `json:"prompt"`
	Options        providers.Options `json:"options"`
	ConversationID string            `json:"conversationId,omitempty"`
}

type Reply struct {
	Provider     string                `json:"provider"`
	Text         string                `json:"completion"`
	FullResponse string                `json:"fullResponse"`
	Model        string                `json:"model"`
	Usage        providers.Usage       `json:"usage"`
	Actions      actions.Set           `json:"actions"`
	Files        *response.FileResults `json:"files,omitempty"`
	MessageID    string                `json:"messageId,omitempty"`
}

type StreamHandle struct {
	ID     string
	Events <-chan response.Event
}

func (o *Orchestrator) Complete(ctx context.Context, req Request) (Reply, error) {
	p, err := o.resolve(req.Provider)
	if err != nil {
		return Reply{}, err
	}
	name := p.Name()
	if err := o.take(ctx, name); err != nil {
		o.metrics.ObserveRequest(name, metrics.ModeComplete, metrics.OutcomeError)
		return Reply{}, err
	}

	c, err := p.Complete(ctx, req.Prompt, req.Options)
	if err != nil {
		o.metrics.ObserveRequest(name, metrics.ModeComplete, outcomeOf(ctx, err))
		return Reply{}, err
	}
	cleaned, set := actions.Extract(c.Text)
	r := Reply{
		Provider:     name,
		Text:         c.Text,
		FullResponse: cleaned,
		Model:        c.Model,
		Usage:        c.Usage,
		Actions:      set,
	}
	if err := o.finalize(ctx, req.ConversationID, &r); err != nil {
		o.metrics.ObserveRequest(name, metrics.ModeComplete, metrics.OutcomeError)
		return Reply{}, err
	}
	o.metrics.ObserveRequest(name, metrics.ModeComplete, metrics.OutcomeOK)
	return r, nil
}

// Stream starts a streamed completion. Events carries every partial
// chunk and then exactly one terminal event; the channel is closed after
// it. The terminal event of a successful stream is sent only once the
// reply has been finalized.
func (o *Orchestrator) Stream(ctx context.Context, req Request) (StreamHandle, error) {
	return o.startStream(ctx, req, nil)
}

// startStream opens the backend stream. opened, when set, runs after the
// backend accepted the request and before any event is delivered; its
// error aborts the stream.
func (o *Orchestrator) startStream(ctx context.Context, req Request, opened func() error) (StreamHandle, error) {
	p, err := o.resolve(req.Provider)
	if err != nil {
		return StreamHandle{}, err
	}
	name := p.Name()
	if err := o.take(ctx, name); err != nil {
		o.metrics.ObserveRequest(name, metrics.ModeStream, metrics.OutcomeError)
		return StreamHandle{}, err
	}

	id := uuid.NewString()
	sctx, cancel := context.WithCancel(ctx)
	ch, err := p.Stream(sctx, req.Prompt, req.Options)
	if err != nil {
		cancel()
		o.metrics.ObserveRequest(name, metrics.ModeStream, outcomeOf(ctx, err))
		return StreamHandle{}, err
	}
	if opened != nil {
		if err := opened(); err != nil {
			cancel()
			o.metrics.ObserveRequest(name, metrics.ModeStream, metrics.OutcomeError)
			return StreamHandle{}, err
		}
	}

	o.mu.Lock()
	o.streams[id] = cancel
	o.mu.Unlock()
	o.metrics.ActiveStreams.Inc()

	out := make(chan response.Event, streamBuffer)
	go o.pump(ctx, sctx, id, p, req, ch, out)
	o.log.Debug().Str("stream", id).Str("provider", name).Msg("stream started")
	return StreamHandle{ID: id, Events: out}, nil
}

// Cancel stops a running stream. It reports whether id was running.
func (o *Orchestrator) Cancel(id string) bool {
	o.mu.Lock()
	cancel, ok := o.streams[id]
	o.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	o.log.Info().Str("stream", id).Msg("stream cancelled")
	return true
}

// ActiveStreams lists the ids of streams that have not terminated yet.
func (o *Orchestrator) ActiveStreams() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.streams))
	for id := range o.streams {
		out = append(out, id)
	}
	return out
}

func (o *Orchestrator) pump(ctx, sctx context.Context, id string, p providers.Provider, req Request, ch <-chan providers.Chunk, out chan<- response.Event) {
	name := p.Name()
	log := o.log.With().Str("stream", id).Str("provider", name).Logger()
	defer func() {
		o.mu.Lock()
		cancel := o.streams[id]
		delete(o.streams, id)
		o.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		o.metrics.ActiveStreams.Dec()
		close(out)
	}()

	send := func(ev response.Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	cancelled := func() {
		o.responses.Clear(id)
		o.metrics.ObserveRequest(name, metrics.ModeStream, metrics.OutcomeCancelled)
		send(response.Event{StreamID: id, Done: true, Err: ErrStreamCancelled, Error: ErrStreamCancelled.Error()})
	}

	for c := range ch {
		if sctx.Err() != nil {
			cancelled()
			return
		}
		ev := o.responses.Process(id, c)
		if !c.Done {
			if !send(ev) {
				log.Debug().Msg("caller went away")
				return
			}
			continue
		}

		if c.Err != nil {
			o.responses.Clear(id)
			o.metrics.ObserveRequest(name, metrics.ModeStream, outcomeOf(sctx, c.Err))
			log.Warn().Err(c.Err).Msg("stream failed")
			send(ev)
			return
		}

		r := Reply{Provider: name, Model: req.Options.Model, FullResponse: ev.FullResponse}
		if r.Model == "" {
			r.Model = p.DefaultModel()
		}
		if res, ok := o.responses.Result(id); ok {
			r.Text = res.Raw
			r.Actions = res.Actions
		}
		if ev.Usage != nil {
			r.Usage = *ev.Usage
		}
		if err := o.finalize(ctx, req.ConversationID, &r); err != nil {
			o.metrics.ObserveRequest(name, metrics.ModeStream, metrics.OutcomeError)
			log.Error().Err(err).Msg("finalize stream")
			send(response.Event{StreamID: id, Done: true, Err: err, Error: err.Error()})
			return
		}
		o.metrics.ObserveRequest(name, metrics.ModeStream, metrics.OutcomeOK)
		ev.Files = r.Files
		ev.MessageID = r.MessageID
		send(ev)
		return
	}

	if sctx.Err() != nil {
		cancelled()
		return
	}
	err := fmt.Errorf("%w: stream closed without terminal chunk", apperr.ErrStream)
	o.metrics.ObserveRequest(name, metrics.ModeStream, metrics.OutcomeError)
	send(response.Event{StreamID: id, Done: true, Err: err, Error: err.Error()})
}

// finalize records the reply, applies its file actions and accounts its
// usage. Once the reply is recorded a failure in the later steps is only
// logged.
func (o *Orchestrator) finalize(ctx context.Context, convID string, r *Reply) error {
	if convID != "" && o.conversations != nil && r.FullResponse != "" {
		set := r.Actions
		usage := r.Usage
		msg, err := o.conversations.RecordReply(convID, conversation.Message{
			Role:    providers.RoleAssistant,
			Content: r.FullResponse,
			Actions: &set,
			Usage:   &usage,
		})
		if err != nil {
			return fmt.Errorf("record reply: %w", err)
		}
		r.MessageID = msg.ID
	}

	if o.autoApply && o.executor != nil && r.Actions.FileOps() {
		files := response.ProcessFileOperations(ctx, o.executor, r.Actions)
		if n := files.Failed(); n > 0 {
			o.log.Warn().Int("failed", n).Str("provider", r.Provider).Msg("some file actions failed")
		}
		r.Files = &files
	}

	o.metrics.ObserveUsage(r.Provider, r.Usage.PromptTokens, r.Usage.CompletionTokens, r.Usage.Cost)
	o.metrics.ObserveActions(string(actions.KindWrite), len(r.Actions.Write))
	o.metrics.ObserveActions(string(actions.KindChatSummary), len(r.Actions.ChatSummary))
	o.metrics.ObserveActions(string(actions.KindRename), len(r.Actions.Rename))
	o.metrics.ObserveActions(string(actions.KindDelete), len(r.Actions.Delete))
	o.metrics.ObserveActions(string(actions.KindAddDependency), len(r.Actions.AddDependency))

	if o.store != nil {
		err := o.store.LogUsage(context.WithoutCancel(ctx), storage.UsageEntry{
			Provider:         r.Provider,
			Model:            r.Model,
			ConversationID:   convID,
			PromptTokens:     r.Usage.PromptTokens,
			CompletionTokens: r.Usage.CompletionTokens,
			TotalTokens:      r.Usage.TotalTokens,
			Cost:             r.Usage.Cost,
		})
		if err != nil {
			o.log.Warn().Err(err).Str("provider", r.Provider).Msg("usage log write failed")
		}
	}
	return nil
}

// ProcessActions applies a set of file actions on request, regardless of
// AutoApply.
func (o *Orchestrator) ProcessActions(ctx context.Context, set actions.Set) (response.FileResults, error) {
	if o.executor == nil {
		return response.FileResults{}, ErrNoExecutor
	}
	res := response.ProcessFileOperations(ctx, o.executor, set)
	o.log.Info().Int("actions", set.Len()).Int("failed", res.Failed()).Msg("file actions processed")
	return res, nil
}

type CodeRequest struct {
	Provider       string            `json:"provider,omitempty"`
	Prompt         string            `json:"prompt"`
	Language       string            `json:"language,omitempty"`
	ProjectContext string            `json:"projectContext,omitempty"`
	Notes          string            `json:"additionalNotes,omitempty"`
	Options        providers.Options `json:"options"`
}

type Code struct {
	Code       string             `json:"code"`
	Language   string             `json:"language"`
	Validation actions.Validation `json:"validation"`
	Reply      Reply              `json:"reply"`
}

const defaultCodeLanguage = "javascript"

// GenerateCode asks for code with the codeGeneration template and returns
// the first fenced block, or the whole reply when there is none.
func (o *Orchestrator) GenerateCode(ctx context.Context, req CodeRequest) (Code, error) {
	lang := req.Language
	if lang == "" {
		lang = defaultCodeLanguage
	}
	system, err := o.prompts.FormatTemplate(prompt.TemplateCodeGeneration, map[string]string{
		"language":        lang,
		"requirements":    req.Prompt,
		"projectContext":  req.ProjectContext,
		"additionalNotes": req.Notes,
	})
	if err != nil {
		return Code{}, err
	}
	opts := req.Options
	opts.System = system
	r, err := o.Complete(ctx, Request{Provider: req.Provider, Prompt: req.Prompt, Options: opts})
	if err != nil {
		return Code{}, err
	}

	out := Code{Code: r.FullResponse, Language: lang, Reply: r}
	if blocks := actions.ExtractCodeBlocks(r.FullResponse); len(blocks) > 0 {
		out.Code = blocks[0].Code
		if blocks[0].Language != "text" {
			out.Language = blocks[0].Language
		}
	}
	out.Validation = actions.ValidateCode(out.Code, out.Language)
	return out, nil
}

func outcomeOf(ctx context.Context, err error) string {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return metrics.OutcomeCancelled
	}
	return metrics.OutcomeError
}
