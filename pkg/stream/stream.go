// Package stream is the output side of the relay: a small event vocabulary
// (message, done, error) deliverable live or aggregated into one result.
package stream

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
)

// EventType identifies an output event.
type EventType string

const (
	EventMessage EventType = "message"
	EventDone    EventType = "done"
	EventError   EventType = "error"
)

// Event is one output event. Message events carry a text delta; error events
// carry a description; the single done event carries empty content.
type Event struct {
	Type    EventType `json:"type"`
	Content string    `json:"content"`
	Err     string    `json:"error,omitempty"`
}

// Stream carries the events of one logical request. Message events may occur
// zero or more times, error may precede done, and exactly one done terminates
// the stream. Producers and the consumer may live on different goroutines.
type Stream struct {
	mu     sync.Mutex
	events chan Event
	closed chan struct{} // consumer cancelled
	done   atomic.Bool   // terminal done emitted

	closeOnce sync.Once
}

// New creates a stream with a buffered event channel.
func New() *Stream {
	return &Stream{
		events: make(chan Event, 64),
		closed: make(chan struct{}),
	}
}

// Events returns the consumer side of the stream.
func (s *Stream) Events() <-chan Event {
	return s.events
}

// Message emits a text delta. Empty deltas are dropped. Returns false when
// the stream is already terminated or cancelled.
func (s *Stream) Message(content string) bool {
	if content == "" {
		return true
	}
	return s.send(Event{Type: EventMessage, Content: content})
}

// Error emits an error event. The stream stays open: the producer must still
// emit done afterwards.
func (s *Stream) Error(msg string) bool {
	return s.send(Event{Type: EventError, Err: msg})
}

// Done emits the single terminal done event and seals the stream. Further
// emissions are dropped. Safe to call more than once.
func (s *Stream) Done() {
	if s.done.Swap(true) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case s.events <- Event{Type: EventDone, Content: ""}:
	case <-s.closed:
	}
}

func (s *Stream) send(ev Event) bool {
	if s.done.Load() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case s.events <- ev:
		return true
	case <-s.closed:
		return false
	}
}

// Close marks consumer cancellation (e.g. client disconnect). Producers
// observe it through Alive and must not resend on a closed stream.
func (s *Stream) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// Alive reports whether the stream can still accept emissions: not cancelled
// by the consumer and not yet terminated.
func (s *Stream) Alive() bool {
	if s.done.Load() {
		return false
	}
	select {
	case <-s.closed:
		return false
	default:
		return true
	}
}

// Result is the aggregate of one stream: all message deltas concatenated,
// plus any error text observed before done.
type Result struct {
	Content string `json:"content"`
	Err     string `json:"error,omitempty"`
}

// Collect subscribes to the stream and blocks until done is observed (or the
// context ends), concatenating message and error payloads. This is the only
// place concurrent emissions are serialized into a synchronous result.
func Collect(ctx context.Context, s *Stream) (Result, error) {
	var content, errText strings.Builder

	for {
		select {
		case <-ctx.Done():
			s.Close()
			return Result{Content: content.String(), Err: errText.String()}, ctx.Err()
		case ev := <-s.Events():
			switch ev.Type {
			case EventMessage:
				content.WriteString(ev.Content)
			case EventError:
				errText.WriteString(ev.Err)
			case EventDone:
				return Result{Content: content.String(), Err: errText.String()}, nil
			}
		}
	}
}
