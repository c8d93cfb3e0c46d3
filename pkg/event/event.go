// Package event defines the typed events that drive state machines and a
// process-wide registry that keeps wire names and payload types in
// agreement.
package event

import (
	"time"

	"github.com/google/uuid"
)

// TimeoutType is the synthetic event type delivered when a timed state's
// deadline expires. It is pre-registered in every registry.
const TimeoutType = "__timeout__"

// Event is a typed event with an opaque payload and a wall-clock
// timestamp.
type Event struct {
	// Type is the globally registered event type name.
	Type string `json:"type"`

	// Payload carries event-specific data. Its concrete type is the one
	// registered for Type.
	Payload interface{} `json:"payload,omitempty"`

	// Timestamp is the wall-clock time the event was created.
	Timestamp time.Time `json:"timestamp"`

	// RequestID correlates the event across logs and listener records.
	RequestID string `json:"requestId,omitempty"`
}

// New creates an event of the given type with a fresh request ID and the
// current time.
func New(eventType string, payload interface{}) Event {
	return Event{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
		RequestID: uuid.New().String(),
	}
}

// NewTimeout creates the synthetic timeout event fired by the timeout
// manager.
func NewTimeout() Event {
	return New(TimeoutType, nil)
}

// IsTimeout reports whether the event is the synthetic timeout event.
func (e Event) IsTimeout() bool {
	return e.Type == TimeoutType
}
