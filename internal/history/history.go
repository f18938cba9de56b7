// Package history exports backend supervision events to audit sinks.
package history

import (
	"context"
	"log/slog"
	"time"
)

// EventType defines the kind of supervision event.
type EventType string

const (
	EventStart      EventType = "start"       // backend spawned
	EventExit       EventType = "exit"        // backend exited, for any reason
	EventSpawnError EventType = "spawn_error" // backend could not be launched
)

// Record describes the backend process an event refers to.
type Record struct {
	Name        string    `json:"name"`
	PID         int       `json:"pid"`
	StartedAt   time.Time `json:"started_at"`
	StoppedAt   time.Time `json:"stopped_at,omitempty"`
	ExitCode    *int      `json:"exit_code,omitempty"`
	Intentional bool      `json:"intentional"`
	Detail      string    `json:"detail,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Reader is implemented by sinks that can return what they stored.
type Reader interface {
	Recent(ctx context.Context, limit int) ([]Event, error)
}

const sendTimeout = 2 * time.Second

// Publish sends e to every sink. Failures are logged, never returned: history
// must not hold up supervision.
func Publish(ctx context.Context, sinks []Sink, e Event) {
	for _, s := range sinks {
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		if err := s.Send(sctx, e); err != nil {
			slog.Warn("history sink failed", "event", e.Type, "error", err)
		}
		cancel()
	}
}
