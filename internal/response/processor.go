// Package response accumulates streamed completions per stream and turns
// the finished text into a cleaned reply plus extracted actions.
package response

import (
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"mimir/internal/actions"
	"mimir/internal/providers"
)

const DefaultCacheSize = 50

// Event is what the caller sees for each processed chunk.
type Event struct {
	StreamID     string           `json:"streamId"`
	Text         string           `json:"text"`
	Done         bool             `json:"done"`
	FullResponse string           `json:"fullResponse,omitempty"`
	Actions      *actions.Set     `json:"actions,omitempty"`
	Usage        *providers.Usage `json:"usage,omitempty"`
	Files        *FileResults     `json:"files,omitempty"`
	MessageID    string           `json:"messageId,omitempty"`
	Err          error            `json:"-"`
	Error        string           `json:"error,omitempty"`
}

// Result is a finalized stream.
type Result struct {
	Raw     string
	Cleaned string
	Actions actions.Set
}

type session struct {
	buf       strings.Builder
	finalized bool
	result    Result
}

// Processor keeps one session per stream id. Sessions live in an LRU, so
// an abandoned stream is dropped once enough newer ones are touched.
type Processor struct {
	log zerolog.Logger

	mu       sync.Mutex
	sessions *lru.Cache[string, *session]
}

func NewProcessor(size int, log zerolog.Logger) *Processor {
	if size <= 0 {
		size = DefaultCacheSize
	}
	l := log.With().Str("component", "response").Logger()
	cache, err := lru.NewWithEvict[string, *session](size, func(id string, s *session) {
		if !s.finalized {
			l.Warn().Str("stream", id).Msg("evicted unfinished stream")
		}
	})
	if err != nil {
		// only reachable with a non-positive size
		panic(err)
	}
	return &Processor{log: l, sessions: cache}
}

// Process folds one chunk into the session for id and returns the event to
// forward. A terminal chunk without error finalizes the session.
func (p *Processor) Process(id string, c providers.Chunk) Event {
	if c.Err != nil {
		p.log.Debug().Err(c.Err).Str("stream", id).Msg("stream failed")
		return Event{StreamID: id, Done: true, Err: c.Err, Error: c.Err.Error()}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !c.Done {
		s, ok := p.sessions.Get(id)
		// a finished id that receives text again starts a fresh session
		if !ok || s.finalized {
			s = &session{}
			p.sessions.Add(id, s)
		}
		s.buf.WriteString(c.Text)
		return Event{StreamID: id, Text: c.Text}
	}

	s, ok := p.sessions.Get(id)
	if !ok || s.buf.Len() == 0 {
		return Event{StreamID: id, Done: true}
	}
	if !s.finalized {
		raw := s.buf.String()
		cleaned, set := actions.Extract(raw)
		s.result = Result{Raw: raw, Cleaned: cleaned, Actions: set}
		s.finalized = true
	}
	set := s.result.Actions
	return Event{
		StreamID:     id,
		Done:         true,
		FullResponse: s.result.Cleaned,
		Actions:      &set,
		Usage:        c.Usage,
	}
}

// Result returns the finalized output for id, if it is still cached.
func (p *Processor) Result(id string) (Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions.Get(id)
	if !ok || !s.finalized {
		return Result{}, false
	}
	return s.result, true
}

// Clear drops the session for id; an empty id drops everything.
func (p *Processor) Clear(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id == "" {
		p.sessions.Purge()
		return
	}
	p.sessions.Remove(id)
}

func (p *Processor) Len() int {
	return p.sessions.Len()
}
