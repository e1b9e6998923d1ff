// Package history exports session lifecycle events to external
// analytics stores. A nil or unconfigured sink disables export; failures
// to send never interrupt a running session.
package history

import (
	"context"
	"time"
)

// EventType defines the kind of session lifecycle event.
type EventType string

const (
	EventSessionStarted   EventType = "session_started"
	EventStreamDegraded   EventType = "stream_degraded"
	EventSessionFinalized EventType = "session_finalized"
	EventSessionFailed    EventType = "session_failed"
)

// Record is the session snapshot attached to every event.
type Record struct {
	SessionID string    `json:"session_id"`
	Name      string    `json:"name"`
	State     string    `json:"state"`
	OutputDir string    `json:"output_dir"`
	Detail    string    `json:"detail,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}
