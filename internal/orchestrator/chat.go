package orchestrator

import (
	"context"
	"fmt"

	"mimir/internal/apperr"
	"mimir/internal/conversation"
	"mimir/internal/prompt"
	"mimir/internal/providers"
)

var ErrNoConversations = fmt.Errorf("%w: conversations are not configured", apperr.ErrConfiguration)

type ChatRequest struct {
	ConversationID    string                    `json:"conversationId"`
	Provider          string                    `json:"provider,omitempty"`
	Text              string                    `json:"text"`
	Attachments       []conversation.Attachment `json:"attachments,omitempty"`
	CodeContext       []prompt.CodeContext      `json:"codeContext,omitempty"`
	ProjectContext    string                    `json:"projectContext,omitempty"`
	TemplateName      string                    `json:"templateName,omitempty"`
	TemplateVariables map[string]string         `json:"templateVariables,omitempty"`
	Options           providers.Options         `json:"options"`
}

// Chat builds a prompt from the conversation history that fits the
// context budget and streams the reply. The user turn is recorded only
// once the backend accepted the request; the reply is recorded when the
// stream finishes.
func (o *Orchestrator) Chat(ctx context.Context, req ChatRequest) (StreamHandle, error) {
	if o.conversations == nil {
		return StreamHandle{}, ErrNoConversations
	}
	conv, err := o.conversations.Get(req.ConversationID)
	if err != nil {
		return StreamHandle{}, err
	}
	budget := o.contextTokens - conversation.MessageTokens(req.Text)
	var history []providers.Message
	if budget > 0 {
		history = o.conversations.GenerateAIContextHistory(conv.ID, budget)
	}

	project := req.ProjectContext
	if conv.Summary != "" {
		project = "Conversation so far: " + conv.Summary + "\n" + project
	}
	p, err := o.prompts.CreatePrompt(req.Text, prompt.Options{
		TemplateName:      req.TemplateName,
		TemplateVariables: req.TemplateVariables,
		CodeContext:       req.CodeContext,
		History:           history,
		ProjectContext:    project,
		MaxHistory:        -1,
		Temperature:       req.Options.Temperature,
		MaxTokens:         req.Options.MaxTokens,
	})
	if err != nil {
		return StreamHandle{}, err
	}

	opts := req.Options
	opts.Messages = p.Messages
	opts.Temperature = p.Temperature
	opts.MaxTokens = p.MaxTokens
	return o.startStream(ctx, Request{
		Provider:       req.Provider,
		Prompt:         req.Text,
		Options:        opts,
		ConversationID: conv.ID,
	}, func() error {
		_, err := o.conversations.AddMessage(conv.ID, conversation.Message{
			Role:        providers.RoleUser,
			Content:     req.Text,
			Attachments: req.Attachments,
		})
		return err
	})
}

func (o *Orchestrator) conversationsOrErr() (*conversation.Manager, error) {
	if o.conversations == nil {
		return nil, ErrNoConversations
	}
	return o.conversations, nil
}

func (o *Orchestrator) CreateConversation(opts conversation.CreateOptions) (conversation.Conversation, error) {
	m, err := o.conversationsOrErr()
	if err != nil {
		return conversation.Conversation{}, err
	}
	return m.Create(opts)
}

func (o *Orchestrator) GetConversation(id string) (conversation.Conversation, error) {
	m, err := o.conversationsOrErr()
	if err != nil {
		return conversation.Conversation{}, err
	}
	return m.Get(id)
}

func (o *Orchestrator) ListConversations(f conversation.Filter) []conversation.Conversation {
	if o.conversations == nil {
		return []conversation.Conversation{}
	}
	return o.conversations.GetAll(f)
}

func (o *Orchestrator) AddMessage(id string, msg conversation.Message) (conversation.Message, error) {
	m, err := o.conversationsOrErr()
	if err != nil {
		return conversation.Message{}, err
	}
	return m.AddMessage(id, msg)
}

func (o *Orchestrator) UpdateConversationContext(id string, items []conversation.ContextItem) error {
	m, err := o.conversationsOrErr()
	if err != nil {
		return err
	}
	return m.UpdateContext(id, items)
}

// DeleteConversation reports conversation.ErrConversationNotFound for an
// unknown id.
func (o *Orchestrator) DeleteConversation(id string) error {
	m, err := o.conversationsOrErr()
	if err != nil {
		return err
	}
	if !m.Delete(id) {
		return fmt.Errorf("%w: %s", conversation.ErrConversationNotFound, id)
	}
	return nil
}

func (o *Orchestrator) ConversationSummary(id string) (string, error) {
	m, err := o.conversationsOrErr()
	if err != nil {
		return "", err
	}
	if s := m.Summary(id); s != "" {
		return s, nil
	}
	if _, err := m.Get(id); err != nil {
		return "", err
	}
	return "", nil
}

// LoadConversations restores persisted conversations; unreadable files
// are skipped.
func (o *Orchestrator) LoadConversations() (int, error) {
	m, err := o.conversationsOrErr()
	if err != nil {
		return 0, err
	}
	return m.Load()
}
