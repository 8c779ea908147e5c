package events

import (
	"time"

	"github.com/google/uuid"
)

// DomainEvent encapsulates all event data flowing through the system, providing
// a standardized format for event processing and distribution.
type DomainEvent struct {
	// ID uniquely identifies this event so consumers can de-duplicate.
	ID uuid.UUID

	// Type identifies the category of this event for routing and handling.
	Type EventType

	// Key enables consistent event routing, typically the scan id.
	Key string

	// Headers contain metadata key-value pairs attached to the event.
	Headers map[string]string

	// Timestamp records when this event was created.
	Timestamp time.Time

	// Payload contains the actual event data. The concrete type depends on
	// the EventType.
	Payload Payload
}

// Payload is implemented by every event body. Fields returns a flat map that
// transports serialize.
type Payload interface {
	Fields() map[string]any
}

// NewDomainEvent stamps a new event with an id and the current time.
func NewDomainEvent(t EventType, key string, payload Payload) DomainEvent {
	return DomainEvent{
		ID:        uuid.New(),
		Type:      t,
		Key:       key,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}
