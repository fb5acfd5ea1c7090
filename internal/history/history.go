// Package history records service lifecycle events for later inspection.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/loykin/stackvisor/internal/service"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventLaunch EventType = "launch"
	EventStop   EventType = "stop"
	EventEvict  EventType = "evict"
	EventHealth EventType = "health"
)

// Event is one lifecycle transition of a service.
type Event struct {
	Type       EventType     `json:"type"`
	OccurredAt time.Time     `json:"occurred_at"`
	Service    string        `json:"service"`
	Kind       service.Kind  `json:"kind,omitempty"`
	ID         string        `json:"id,omitempty"`
	State      service.State `json:"state,omitempty"`
	Detail     string        `json:"detail,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Reader lists stored events, newest first. An empty service lists all.
type Reader interface {
	List(ctx context.Context, service string, limit int) ([]Event, error)
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
