// Package event provides the resilience event model: what happened to a
// wrapped resource, when, and under which trace.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies a resilience event.
type Type string

const (
	TypeRetryAttempted    Type = "retry.attempted"
	TypeRecoveryStarted   Type = "recovery.started"
	TypeRecoverySucceeded Type = "recovery.succeeded"
	TypeRecoveryFailed    Type = "recovery.failed"
	TypeCircuitClosed     Type = "circuit.closed"
	TypeCircuitOpened     Type = "circuit.opened"
	TypeResourceClosed    Type = "resource.closed"
)

// Event records a single resilience occurrence on a resource.
type Event struct {
	ID            string         `json:"id"`
	Type          Type           `json:"type"`
	Resource      string         `json:"resource"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	TraceID       string         `json:"trace_id,omitempty"`
	SpanID        string         `json:"span_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Emitter receives resilience events.
type Emitter interface {
	Emit(event Event)
}

// GenerateEventID returns a UUIDv7 event identifier.
func GenerateEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// IsValidEventID reports whether s parses as a UUID.
func IsValidEventID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
