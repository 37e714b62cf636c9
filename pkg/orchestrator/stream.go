package orchestrator

import (
	"context"
	"sync"

	"github.com/averin/strand/pkg/fault"
	"github.com/averin/strand/pkg/state"
)

const streamBuffer = 64

// Stream is the producer side of a turn's event stream. Pipeline
// implementations emit events into it and close it exactly once; the
// orchestrator consumes it, folds state, and forwards events to the caller.
type Stream struct {
	events    chan StreamEvent
	usage     chan state.TokenUsage
	closeOnce sync.Once
}

// NewStream creates a stream ready for a pipeline to emit into.
func NewStream() *Stream {
	return &Stream{
		events: make(chan StreamEvent, streamBuffer),
		usage:  make(chan state.TokenUsage, 1),
	}
}

// Events returns the consumer side of the event channel. It closes when the
// stream is closed.
func (s *Stream) Events() <-chan StreamEvent {
	return s.events
}

// UsageResolved returns the deferred usage. It yields exactly one value,
// when the stream closes.
func (s *Stream) UsageResolved() <-chan state.TokenUsage {
	return s.usage
}

// Emit sends an event. It blocks while the buffer is full and gives up when
// ctx is cancelled, returning false. Must not be called after Close.
func (s *Stream) Emit(ctx context.Context, ev StreamEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close terminates the stream, emitting a final done event and resolving the
// deferred usage. Safe to call more than once; only the first call wins.
func (s *Stream) Close(usage state.TokenUsage) {
	s.closeOnce.Do(func() {
		u := usage
		s.events <- StreamEvent{Type: EventDone, Usage: &u}
		close(s.events)
		s.usage <- usage
		close(s.usage)
	})
}

// Fail emits a terminal error event and closes the stream. usage carries
// whatever was consumed before the failure.
func (s *Stream) Fail(resp fault.Response, usage state.TokenUsage) {
	s.closeOnce.Do(func() {
		s.events <- StreamEvent{
			Type:         EventError,
			Err:          &resp,
			ErrorMessage: resp.Error,
			ErrorCode:    resp.Code,
		}
		close(s.events)
		s.usage <- usage
		close(s.usage)
	})
}

// Turn is the handle returned to the caller as soon as the pipeline has
// started. Events are live; the usage summary resolves after the stream
// completes, so callers must not assume it is final when they receive the
// handle.
type Turn struct {
	SessionID string
	TurnID    string

	events chan StreamEvent

	done     chan struct{}
	usage    state.TokenUsage
	usageErr error
}

func newTurn(sessionID, turnID string) *Turn {
	return &Turn{
		SessionID: sessionID,
		TurnID:    turnID,
		events:    make(chan StreamEvent, streamBuffer),
		done:      make(chan struct{}),
	}
}

// Events returns the live event stream. The channel closes after the
// terminal event (done or error) or when the turn is abandoned.
func (t *Turn) Events() <-chan StreamEvent {
	return t.events
}

// Usage blocks until the turn's usage summary resolves or ctx is done.
func (t *Turn) Usage(ctx context.Context) (state.TokenUsage, error) {
	select {
	case <-t.done:
		return t.usage, t.usageErr
	case <-ctx.Done():
		return state.TokenUsage{}, ctx.Err()
	}
}

func (t *Turn) resolveUsage(usage state.TokenUsage, err error) {
	t.usage = usage
	t.usageErr = err
	close(t.done)
}
