// Package memory provides an in-process domain event publisher. It keeps every
// published event and fans them out to subscribers, which makes it suitable
// for tests and single-node deployments without Kafka.
package memory

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"

	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/events"
)

// Handler receives published events.
type Handler func(events.DomainEvent) error

var _ events.DomainEventPublisher = (*Publisher)(nil)

// Publisher implements events.DomainEventPublisher in memory.
type Publisher struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler
	history  []events.DomainEvent
	limit    int
	closed   bool
}

// ErrClosed is returned when publishing after Close.
var ErrClosed = errors.New("publisher closed")

// NewPublisher creates a publisher that retains at most limit events.
// A limit of zero keeps everything.
func NewPublisher(limit int) *Publisher {
	return &Publisher{handlers: make(map[int]Handler), limit: limit}
}

// Subscribe registers handler until ctx is cancelled.
func (p *Publisher) Subscribe(ctx context.Context, handler Handler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.handlers[id] = handler
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		delete(p.handlers, id)
		p.mu.Unlock()
	}()
	return nil
}

// PublishDomainEvent records the event and hands it to every subscriber,
// stopping at the first handler error. Options override the event key and
// extend its headers.
func (p *Publisher) PublishDomainEvent(ctx context.Context, event events.DomainEvent, opts ...events.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	params := events.ApplyOptions(opts...)
	if params.Key != "" {
		event.Key = params.Key
	}
	if len(params.Headers) > 0 {
		headers := maps.Clone(event.Headers)
		if headers == nil {
			headers = make(map[string]string, len(params.Headers))
		}
		maps.Copy(headers, params.Headers)
		event.Headers = headers
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.history = append(p.history, event)
	if p.limit > 0 && len(p.history) > p.limit {
		p.history = slices.Clone(p.history[len(p.history)-p.limit:])
	}
	ids := slices.Sorted(maps.Keys(p.handlers))
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, p.handlers[id])
	}
	p.mu.Unlock()

	for _, h := range handlers {
		if err := h(event); err != nil {
			return err
		}
	}
	return nil
}

// Events returns the retained events in publish order.
func (p *Publisher) Events() []events.DomainEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.history)
}

// EventsOfType filters Events by type.
func (p *Publisher) EventsOfType(t events.EventType) []events.DomainEvent {
	var out []events.DomainEvent
	for _, e := range p.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Close stops accepting events.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
