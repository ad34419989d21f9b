// Package memory provides an in-memory event sink. It records mirrored events
// and fans them out to in-process handlers, which suits one-shot tooling and
// tests where no external broker is available.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/ahrav/volscan/internal/domain/events"
)

// ErrSinkClosed is returned by Publish and Subscribe after Close.
var ErrSinkClosed = errors.New("memory sink closed")

// HandlerFunc processes one published event.
type HandlerFunc func(ctx context.Context, evt events.Event, params events.PublishParams) error

var _ events.Sink = (*Sink)(nil)

// Sink records the most recent events and delivers each one to every
// subscribed handler in registration order.
type Sink struct {
	mu       sync.RWMutex
	closed   bool
	nextID   int
	handlers map[int]HandlerFunc
	order    []int

	capacity int
	recorded []events.Event
}

// NewSink creates a sink retaining at most capacity events; 0 disables recording.
func NewSink(capacity int) *Sink {
	return &Sink{handlers: make(map[int]HandlerFunc), capacity: max(capacity, 0)}
}

// Subscribe registers handler until ctx ends.
func (s *Sink) Subscribe(ctx context.Context, handler HandlerFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSinkClosed
	}
	id := s.nextID
	s.nextID++
	s.handlers[id] = handler
	s.order = append(s.order, id)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.remove(id)
	}()
	return nil
}

func (s *Sink) remove(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.handlers, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Publish records evt and hands it to every handler, stopping at the first
// handler error. Handlers run without the sink's lock held.
func (s *Sink) Publish(ctx context.Context, evt events.Event, opts ...events.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSinkClosed
	}
	if s.capacity > 0 {
		if len(s.recorded) == s.capacity {
			s.recorded = append(s.recorded[:0], s.recorded[1:]...)
		}
		s.recorded = append(s.recorded, evt)
	}
	handlers := make([]HandlerFunc, 0, len(s.order))
	for _, id := range s.order {
		handlers = append(handlers, s.handlers[id])
	}
	s.mu.Unlock()

	params := events.ApplyOptions(opts...)
	for _, h := range handlers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := h(ctx, evt, params); err != nil {
			return err
		}
	}
	return nil
}

// Events returns a copy of the recorded events, oldest first.
func (s *Sink) Events() []events.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]events.Event, len(s.recorded))
	copy(out, s.recorded)
	return out
}

// Close drops every handler. Subsequent publishes fail.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	clear(s.handlers)
	s.order = nil
	return nil
}
