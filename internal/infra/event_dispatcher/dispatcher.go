// Package eventdispatcher routes lifecycle events received from a hub to the
// handler registered for their type.
package eventdispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/volscan/internal/domain/events"
	"github.com/ahrav/volscan/pkg/common/logger"
)

// HandlerFunc processes a single event.
type HandlerFunc func(ctx context.Context, evt events.Event) error

// Dispatcher manages event handlers and dispatches events to their registered handler.
// Each event type has at most one handler.
//
// Typical usage:
//
//	dispatcher := eventdispatcher.New(tracer, logger)
//	dispatcher.RegisterHandler(ctx, events.EventTypeScanComplete, printComplete)
//	err := dispatcher.Dispatch(ctx, evt)
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[events.EventType]HandlerFunc
	tracer   trace.Tracer
	logger   *logger.Logger
}

// New constructs a Dispatcher with an empty handler registry.
func New(tracer trace.Tracer, logger *logger.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[events.EventType]HandlerFunc),
		tracer:   tracer,
		logger:   logger.With("component", "event_dispatcher"),
	}
}

// RegisterHandler associates a handler with a specific event type.
// If a handler is already registered for the event type, it will be replaced.
func (d *Dispatcher) RegisterHandler(ctx context.Context, eventType events.EventType, handler HandlerFunc) {
	_, span := d.tracer.Start(ctx, "event_dispatcher.register_handler",
		trace.WithAttributes(attribute.String("event_type", string(eventType))),
	)
	defer span.End()

	d.mu.Lock()
	d.handlers[eventType] = handler
	d.mu.Unlock()

	d.logger.Debug(ctx, "handler registered", "event_type", eventType)
	span.AddEvent("handler_registered")
}

// Handles reports whether a handler is registered for eventType.
func (d *Dispatcher) Handles(eventType events.EventType) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[eventType]
	return ok
}

// HandlerNotFoundError indicates no handler was registered for an event type.
type HandlerNotFoundError struct {
	EventType events.EventType
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("no handler registered for event type: %s", e.EventType)
}

// Dispatch hands evt to its registered handler. It returns a
// *HandlerNotFoundError when no handler exists for the event's type.
func (d *Dispatcher) Dispatch(ctx context.Context, evt events.Event) error {
	lc := logger.NewLoggerContext(d.logger.With(
		"operation", "dispatch",
		"event_type", evt.Type,
		"volume_id", evt.VolumeID,
	))
	ctx, span := d.tracer.Start(ctx, "event_dispatcher.handle_event",
		trace.WithAttributes(
			attribute.String("event_type", string(evt.Type)),
			attribute.String("volume_id", evt.VolumeID),
			attribute.String("scan_id", evt.ScanID),
		))
	defer span.End()

	d.mu.RLock()
	handler, exists := d.handlers[evt.Type]
	d.mu.RUnlock()
	if !exists {
		err := &HandlerNotFoundError{EventType: evt.Type}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := handler(ctx, evt); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to dispatch event type %s: %w", evt.Type, err)
	}

	span.SetStatus(codes.Ok, "event dispatched successfully")
	lc.Debug(ctx, "event dispatched successfully")
	return nil
}
