package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type classifies lifecycle notifications.
type Type string

const (
	TypeStateChanged  Type = "resource.state_changed"
	TypeHealthChanged Type = "resource.health_changed"
	TypeError         Type = "resource.error"
	TypePoolExhausted Type = "resource.pool_exhausted"
)

// Event is a single lifecycle or health notification.
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	Resource   string    `json:"resource"`
	Kind       string    `json:"kind,omitempty"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to,omitempty"`
	Operation  string    `json:"operation,omitempty"`
	Diagnostic string    `json:"diagnostic,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sink receives lifecycle events. Implementations must be safe for
// concurrent use; publishers treat delivery as best effort.
type Sink interface {
	Publish(ctx context.Context, event Event) error
}

// StateChanged builds a lifecycle state transition event.
func StateChanged(resource, kind, from, to string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      TypeStateChanged,
		Resource:  resource,
		Kind:      kind,
		From:      from,
		To:        to,
		Timestamp: time.Now().UTC(),
	}
}

// HealthChanged builds a health verdict transition event.
func HealthChanged(resource, kind, from, to, diagnostic string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       TypeHealthChanged,
		Resource:   resource,
		Kind:       kind,
		From:       from,
		To:         to,
		Diagnostic: diagnostic,
		Timestamp:  time.Now().UTC(),
	}
}

// OperationError builds an event describing a failed lifecycle operation.
func OperationError(resource, kind, operation string, err error) Event {
	message := ""
	if err != nil {
		message = err.Error()
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      TypeError,
		Resource:  resource,
		Kind:      kind,
		Operation: operation,
		Error:     message,
		Timestamp: time.Now().UTC(),
	}
}

// PoolExhausted builds an event raised when an acquire times out waiting
// for a pooled connection.
func PoolExhausted(resource, diagnostic string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       TypePoolExhausted,
		Resource:   resource,
		Diagnostic: diagnostic,
		Timestamp:  time.Now().UTC(),
	}
}
