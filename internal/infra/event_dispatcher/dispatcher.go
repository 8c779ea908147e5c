// Package eventdispatcher routes lifecycle events to the handler registered
// for their type.
package eventdispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/events"
	"github.com/eclipse/openvsx-scan-orchestrator/pkg/common/logger"
)

// HandlerFunc processes one event.
type HandlerFunc func(ctx context.Context, evt events.DomainEvent) error

// Dispatcher manages event handlers and dispatches events to their registered
// handler. Each event type has exactly one handler.
//
// Typical usage:
//
//	d := eventdispatcher.New(tracer, logger)
//	_ = d.RegisterHandler(ctx, events.EventTypeScanStatusChanged, onStatus)
//	err := d.Dispatch(ctx, evt)
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[events.EventType]HandlerFunc
	tracer   trace.Tracer
	logger   *logger.Logger
}

// New constructs an empty Dispatcher.
func New(tracer trace.Tracer, logger *logger.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[events.EventType]HandlerFunc),
		tracer:   tracer,
		logger:   logger.With("component", "event_dispatcher"),
	}
}

// HandlerAlreadyRegisteredError is returned when a type already has a handler.
type HandlerAlreadyRegisteredError struct {
	EventType events.EventType
}

func (e *HandlerAlreadyRegisteredError) Error() string {
	return fmt.Sprintf("handler already registered for event type: %s", e.EventType)
}

// HandlerNotFoundError indicates no handler exists for an event type.
type HandlerNotFoundError struct {
	EventType events.EventType
	EventID   string
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("no handler registered for event type: %s (event: %s)", e.EventType, e.EventID)
}

// RegisterHandler associates handler with eventType. It is safe to call
// concurrently.
func (d *Dispatcher) RegisterHandler(ctx context.Context, eventType events.EventType, handler HandlerFunc) error {
	_, span := d.tracer.Start(ctx, "event_dispatcher.register_handler",
		trace.WithAttributes(attribute.String("event_type", string(eventType))))
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.handlers[eventType]; exists {
		err := &HandlerAlreadyRegisteredError{EventType: eventType}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	d.handlers[eventType] = handler
	d.logger.Debug(ctx, "handler registered", "event_type", eventType)
	return nil
}

// Handles reports whether eventType has a handler.
func (d *Dispatcher) Handles(eventType events.EventType) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[eventType]
	return ok
}

// Dispatch runs the handler registered for evt's type. A missing handler is
// reported as *HandlerNotFoundError.
func (d *Dispatcher) Dispatch(ctx context.Context, evt events.DomainEvent) error {
	ctx, span := d.tracer.Start(ctx, "event_dispatcher.handle_event",
		trace.WithAttributes(
			attribute.String("event_type", string(evt.Type)),
			attribute.String("event_id", evt.ID.String()),
			attribute.String("event_key", evt.Key),
		))
	defer span.End()

	d.mu.RLock()
	handler, exists := d.handlers[evt.Type]
	d.mu.RUnlock()
	if !exists {
		err := &HandlerNotFoundError{EventType: evt.Type, EventID: evt.ID.String()}
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
	return nil
}
