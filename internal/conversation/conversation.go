// Package conversation keeps multi-turn conversations in memory and mirrors
// each one to a JSON file named after its id.
package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mimir/internal/actions"
	"mimir/internal/apperr"
	"mimir/internal/fileops"
	"mimir/internal/providers"
)

const (
	DefaultTitle          = "New Conversation"
	DefaultContextTokens  = 4000
	messageOverheadTokens = 100
	maxTitleRunes         = 60
)

var (
	ErrConversationNotFound = fmt.Errorf("%w: conversation", apperr.ErrNotFound)
	ErrMessageNotFound      = fmt.Errorf("%w: message", apperr.ErrNotFound)
	ErrMessageFinal         = fmt.Errorf("%w: message is no longer streaming", apperr.ErrConfiguration)
	ErrInvalidRole          = fmt.Errorf("%w: unknown message role", apperr.ErrConfiguration)
)

type Attachment struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
	Size int64  `json:"size,omitempty"`
	Path string `json:"path,omitempty"`
}

type Message struct {
	ID          string           `json:"id"`
	Role        providers.Role   `json:"role"`
	Content     string           `json:"content"`
	Attachments []Attachment     `json:"attachments,omitempty"`
	Actions     *actions.Set     `json:"actions,omitempty"`
	Usage       *providers.Usage `json:"usage,omitempty"`
	Streaming   bool             `json:"streaming,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

// ContextItem is a free-form snippet or file reference attached to a
// conversation.
type ContextItem map[string]any

type Conversation struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	ProjectID string          `json:"projectId,omitempty"`
	FilePath  string          `json:"filePath,omitempty"`
	Messages  []Message       `json:"messages"`
	Context   []ContextItem   `json:"context"`
	Summary   string          `json:"summary,omitempty"`
	Usage     providers.Usage `json:"usage"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type CreateOptions struct {
	Title          string        `json:"title,omitempty"`
	ProjectID      string        `json:"projectId,omitempty"`
	FilePath       string        `json:"filePath,omitempty"`
	InitialContext []ContextItem `json:"initialContext,omitempty"`
}

type Filter struct {
	ProjectID string `json:"projectId,omitempty"`
	FilePath  string `json:"filePath,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
}

type entry struct {
	// mu serializes read-modify-persist on one conversation
	mu      sync.Mutex
	conv    Conversation
	deleted bool
}

type Manager struct {
	dir string
	log zerolog.Logger
	now func() time.Time

	mu     sync.RWMutex
	convs  map[string]*entry
	active string
}

func NewManager(dir string, log zerolog.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversation dir: %w", err)
	}
	return &Manager{
		dir:   dir,
		log:   log.With().Str("component", "conversation").Logger(),
		now:   time.Now,
		convs: map[string]*entry{},
	}, nil
}

func (m *Manager) Create(opts CreateOptions) (Conversation, error) {
	now := m.now().UTC()
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		title = DefaultTitle
	}
	ctxItems := opts.InitialContext
	if ctxItems == nil {
		ctxItems = []ContextItem{}
	}
	c := Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		ProjectID: opts.ProjectID,
		FilePath:  opts.FilePath,
		Messages:  []Message{},
		Context:   ctxItems,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.persist(c); err != nil {
		return Conversation{}, err
	}

	m.mu.Lock()
	m.convs[c.ID] = &entry{conv: c}
	m.active = c.ID
	m.mu.Unlock()

	m.log.Debug().Str("conversation", c.ID).Msg("conversation created")
	return clone(c), nil
}

func (m *Manager) Get(id string) (Conversation, error) {
	e, err := m.lookup(id)
	if err != nil {
		return Conversation{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return Conversation{}, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return clone(e.conv), nil
}

func (m *Manager) Active() (Conversation, bool) {
	m.mu.RLock()
	id := m.active
	m.mu.RUnlock()
	if id == "" {
		return Conversation{}, false
	}
	c, err := m.Get(id)
	return c, err == nil
}

func (m *Manager) SetActive(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.convs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	m.active = id
	return nil
}

// AddMessage appends msg with a fresh id and timestamp. A user message
// names an untitled conversation.
func (m *Manager) AddMessage(id string, msg Message) (Message, error) {
	if err := validRole(msg.Role); err != nil {
		return Message{}, err
	}
	var stored Message
	_, err := m.update(id, func(c *Conversation, now time.Time) error {
		stored = m.stamp(msg, now)
		if stored.Role == providers.RoleUser && c.Title == DefaultTitle && !hasUser(c.Messages) {
			if t := titleFrom(stored.Content); t != "" {
				c.Title = t
			}
		}
		c.Messages = append(c.Messages, stored)
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return stored, nil
}

// RecordReply appends a finished assistant reply, folds its usage into the
// conversation totals and keeps the last chat summary it carries. All of
// it lands in a single write.
func (m *Manager) RecordReply(id string, msg Message) (Message, error) {
	msg.Role = providers.RoleAssistant
	msg.Streaming = false
	var stored Message
	_, err := m.update(id, func(c *Conversation, now time.Time) error {
		stored = m.stamp(msg, now)
		c.Messages = append(c.Messages, stored)
		if msg.Usage != nil {
			c.Usage = c.Usage.Add(*msg.Usage)
		}
		if msg.Actions != nil {
			if n := len(msg.Actions.ChatSummary); n > 0 {
				c.Summary = msg.Actions.ChatSummary[n-1].Summary
			}
		}
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return stored, nil
}

// EditStreamingMessage replaces the content of the most recent message
// while it is still streaming. final clears the streaming flag, after
// which the content is fixed.
func (m *Manager) EditStreamingMessage(id, msgID, content string, final bool) error {
	_, err := m.update(id, func(c *Conversation, _ time.Time) error {
		idx := -1
		for i := range c.Messages {
			if c.Messages[i].ID == msgID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("%w: %s", ErrMessageNotFound, msgID)
		}
		if !c.Messages[idx].Streaming || idx != len(c.Messages)-1 {
			return ErrMessageFinal
		}
		c.Messages[idx].Content = content
		if final {
			c.Messages[idx].Streaming = false
		}
		return nil
	})
	return err
}

func (m *Manager) UpdateContext(id string, items []ContextItem) error {
	if items == nil {
		items = []ContextItem{}
	}
	_, err := m.update(id, func(c *Conversation, _ time.Time) error {
		c.Context = items
		return nil
	})
	return err
}

func (m *Manager) AddContextItem(id string, item ContextItem) error {
	_, err := m.update(id, func(c *Conversation, _ time.Time) error {
		c.Context = append(c.Context, item)
		return nil
	})
	return err
}

func (m *Manager) ClearContext(id string) error {
	_, err := m.update(id, func(c *Conversation, _ time.Time) error {
		c.Context = []ContextItem{}
		return nil
	})
	return err
}

func (m *Manager) SetSummary(id, summary string) error {
	_, err := m.update(id, func(c *Conversation, _ time.Time) error {
		c.Summary = strings.TrimSpace(summary)
		return nil
	})
	return err
}

func (m *Manager) AddUsage(id string, u providers.Usage) error {
	_, err := m.update(id, func(c *Conversation, _ time.Time) error {
		c.Usage = c.Usage.Add(u)
		return nil
	})
	return err
}

// GetAll filters, orders by UpdatedAt newest first, then pages. A zero
// Limit means no limit.
func (m *Manager) GetAll(f Filter) []Conversation {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.convs))
	for _, e := range m.convs {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]Conversation, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		c, deleted := e.conv, e.deleted
		if !deleted && (f.ProjectID == "" || c.ProjectID == f.ProjectID) && (f.FilePath == "" || c.FilePath == f.FilePath) {
			out = append(out, clone(c))
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []Conversation{}
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out
}

// Delete drops the conversation and its file. It reports false for an
// unknown id.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	e, ok := m.convs[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.convs, id)
	if m.active == id {
		m.active = ""
	}
	m.mu.Unlock()

	e.mu.Lock()
	e.deleted = true
	e.mu.Unlock()

	if err := os.Remove(m.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.log.Error().Err(err).Str("conversation", id).Msg("remove conversation file")
	}
	return true
}

// GenerateAIContextHistory picks messages newest first while they fit in
// maxTokens, then returns them oldest first. Each message costs its
// estimated tokens plus a fixed overhead.
func (m *Manager) GenerateAIContextHistory(id string, maxTokens int) []providers.Message {
	if maxTokens <= 0 {
		maxTokens = DefaultContextTokens
	}
	c, err := m.Get(id)
	if err != nil {
		return []providers.Message{}
	}
	used := 0
	start := len(c.Messages)
	for i := len(c.Messages) - 1; i >= 0; i-- {
		cost := MessageTokens(c.Messages[i].Content)
		if used+cost > maxTokens {
			break
		}
		used += cost
		start = i
	}
	out := make([]providers.Message, 0, len(c.Messages)-start)
	for _, msg := range c.Messages[start:] {
		out = append(out, providers.Message{Role: msg.Role, Content: msg.Content})
	}
	return out
}

// MessageTokens estimates one stored message: its content by the shared
// rune-based estimator plus a fixed per-message overhead.
func MessageTokens(content string) int {
	return providers.EstimateTokens(content) + messageOverheadTokens
}

// Summary renders a short markdown digest, or "" for an unknown id.
func (m *Manager) Summary(id string) string {
	c, err := m.Get(id)
	if err != nil {
		return ""
	}
	counts := map[providers.Role]int{}
	for _, msg := range c.Messages {
		counts[msg.Role]++
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Conversation: %s\n\n", c.Title)
	fmt.Fprintf(&b, "- Started: %s\n", c.CreatedAt.Local().Format(time.DateTime))
	fmt.Fprintf(&b, "- Last updated: %s\n", c.UpdatedAt.Local().Format(time.DateTime))
	fmt.Fprintf(&b, "- Messages: %d (%d user, %d assistant)\n", len(c.Messages), counts[providers.RoleUser], counts[providers.RoleAssistant])
	if c.ProjectID != "" {
		fmt.Fprintf(&b, "- Project: %s\n", c.ProjectID)
	}
	if c.FilePath != "" {
		fmt.Fprintf(&b, "- File: %s\n", c.FilePath)
	}
	if c.Summary != "" {
		fmt.Fprintf(&b, "\n## Summary:\n%s\n", c.Summary)
	}
	if n := len(c.Messages); n > 0 {
		fmt.Fprintf(&b, "\n## Started with:\n%s\n", snippet(c.Messages[0].Content))
		if n > 1 {
			fmt.Fprintf(&b, "\n## Most recent:\n%s\n", snippet(c.Messages[n-1].Content))
		}
	}
	return b.String()
}

// Load reads every conversation file in the directory. Files that fail to
// parse are logged and skipped.
func (m *Manager) Load() (int, error) {
	files, err := os.ReadDir(m.dir)
	if err != nil {
		return 0, fmt.Errorf("read conversation dir: %w", err)
	}
	loaded := map[string]*entry{}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		c, err := readFile(filepath.Join(m.dir, f.Name()))
		if err != nil {
			m.log.Warn().Err(err).Str("file", f.Name()).Msg("skip conversation file")
			continue
		}
		loaded[c.ID] = &entry{conv: c}
	}

	m.mu.Lock()
	for id, e := range loaded {
		m.convs[id] = e
	}
	m.mu.Unlock()

	m.log.Info().Int("count", len(loaded)).Msg("conversations loaded")
	return len(loaded), nil
}

func readFile(path string) (Conversation, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Conversation{}, fmt.Errorf("%w: %v", apperr.ErrParse, err)
	}
	var c Conversation
	if err := json.Unmarshal(b, &c); err != nil {
		return Conversation{}, fmt.Errorf("%w: %v", apperr.ErrParse, err)
	}
	if c.ID == "" {
		return Conversation{}, fmt.Errorf("%w: missing id", apperr.ErrParse)
	}
	if c.Messages == nil {
		c.Messages = []Message{}
	}
	if c.Context == nil {
		c.Context = []ContextItem{}
	}
	return c, nil
}

func (m *Manager) lookup(id string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.convs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return e, nil
}

// update applies fn to a copy of the conversation and persists it. Memory
// is only replaced once the file write succeeded.
func (m *Manager) update(id string, fn func(c *Conversation, now time.Time) error) (Conversation, error) {
	e, err := m.lookup(id)
	if err != nil {
		return Conversation{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return Conversation{}, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}

	next := clone(e.conv)
	now := m.now().UTC()
	if err := fn(&next, now); err != nil {
		return Conversation{}, err
	}
	if now.Before(next.CreatedAt) {
		now = next.CreatedAt
	}
	next.UpdatedAt = now
	if err := m.persist(next); err != nil {
		return Conversation{}, err
	}
	e.conv = next
	return clone(next), nil
}

func (m *Manager) stamp(msg Message, now time.Time) Message {
	msg.ID = uuid.NewString()
	msg.Timestamp = now
	return msg
}

func (m *Manager) persist(c Conversation) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", c.ID, err)
	}
	if err := fileops.WriteFileAtomic(m.path(c.ID), b, 0o644); err != nil {
		return fmt.Errorf("save conversation %s: %w", c.ID, err)
	}
	return nil
}

func (m *Manager) path(id string) string {
	return filepath.Join(m.dir, id+".json")
}

func clone(c Conversation) Conversation {
	c.Messages = append([]Message(nil), c.Messages...)
	c.Context = append([]ContextItem(nil), c.Context...)
	if c.Messages == nil {
		c.Messages = []Message{}
	}
	if c.Context == nil {
		c.Context = []ContextItem{}
	}
	return c
}

func validRole(r providers.Role) error {
	switch r {
	case providers.RoleUser, providers.RoleAssistant, providers.RoleSystem:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidRole, r)
}

func hasUser(msgs []Message) bool {
	for _, m := range msgs {
		if m.Role == providers.RoleUser {
			return true
		}
	}
	return false
}

func titleFrom(content string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(content), "\n")
	line = strings.TrimSpace(line)
	if r := []rune(line); len(r) > maxTitleRunes {
		line = strings.TrimSpace(string(r[:maxTitleRunes-3])) + "..."
	}
	return line
}

func snippet(s string) string {
	r := []rune(s)
	if len(r) > 150 {
		return string(r[:150]) + "..."
	}
	return s
}
