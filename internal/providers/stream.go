package providers

import (
	"context"
	"fmt"
	"strings"

	"mimir/internal/apperr"
)

// Emitter is the producer side of a stream: it owns the channel and
// guarantees a single terminal chunk followed by close.
type Emitter struct {
	ctx  context.Context
	ch   chan Chunk
	done bool
}

func NewEmitter(ctx context.Context, buffer int) *Emitter {
	return &Emitter{ctx: ctx, ch: make(chan Chunk, buffer)}
}

func (e *Emitter) C() <-chan Chunk { return e.ch }

// Text delivers a partial chunk. It returns false once ctx is cancelled;
// the producer should stop reading from its backend then.
func (e *Emitter) Text(s string) bool {
	if e.done || e.ctx.Err() != nil {
		return false
	}
	if s == "" {
		return true
	}
	select {
	case e.ch <- Chunk{Text: s}:
		return true
	case <-e.ctx.Done():
		return false
	}
}

// Finish sends the terminal chunk and closes the channel. A nil err with a
// cancelled ctx still reports the context error.
func (e *Emitter) Finish(u Usage, err error) {
	if e.done {
		return
	}
	e.done = true
	if err == nil && e.ctx.Err() != nil {
		err = e.ctx.Err()
	}
	last := Chunk{Done: true}
	if err != nil {
		last.Err = StreamError(err)
	} else {
		last.Usage = &u
	}
	// Terminal chunk must not block forever on an abandoned consumer.
	select {
	case e.ch <- last:
	case <-e.ctx.Done():
		select {
		case e.ch <- last:
		default:
		}
	}
	close(e.ch)
}

// StreamError tags err as a StreamError unless it already carries a kind.
func StreamError(err error) error {
	if err == nil || apperr.Kind(err) != nil {
		return err
	}
	return fmt.Errorf("%w: %w", apperr.ErrStream, err)
}

// Collect drains a stream, calling onChunk for every element including the
// terminal one, and returns the assembled completion.
func Collect(ch <-chan Chunk, model string, onChunk func(Chunk)) (Completion, error) {
	var sb strings.Builder
	for c := range ch {
		if onChunk != nil {
			onChunk(c)
		}
		if !c.Done {
			sb.WriteString(c.Text)
			continue
		}
		if c.Err != nil {
			return Completion{Text: sb.String(), Model: model}, c.Err
		}
		out := Completion{Text: sb.String(), Model: model}
		if c.Usage != nil {
			out.Usage = *c.Usage
		}
		return out, nil
	}
	return Completion{Text: sb.String(), Model: model}, fmt.Errorf("%w: stream closed without terminal chunk", apperr.ErrStream)
}
