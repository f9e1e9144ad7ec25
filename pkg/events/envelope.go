// Package events provides the envelope and sink abstractions used to publish
// task lifecycle events to downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"time"
)

// Envelope wraps a domain event with the metadata consumers route and
// deduplicate on.
type Envelope struct {
	// ID uniquely identifies this event instance.
	ID string `json:"id"`

	// Type identifies the event, e.g. "task.status_changed".
	Type string `json:"type"`

	// Source names the emitting component, e.g. "staffing" or "lifecycle".
	Source string `json:"source"`

	// Version is the payload schema version.
	Version string `json:"version"`

	// Timestamp records when the event was emitted.
	Timestamp time.Time `json:"timestamp"`

	// IdempotencyKey is stable across re-emissions of the same transition so
	// sinks can drop duplicates.
	IdempotencyKey string `json:"idempotency_key"`

	// Subject is the ID of the entity the event is about.
	Subject string `json:"subject"`

	// Payload holds the event body; its schema depends on Type and Version.
	Payload json.RawMessage `json:"payload"`
}

// EventSink receives emitted events. Sink failures must never fail the
// operation that produced the event.
type EventSink interface {
	// Append adds an event to the sink. Duplicate idempotency keys should be
	// treated as no-ops.
	Append(ctx context.Context, envelope Envelope) error
}

// NoOpEventSink discards every event.
type NoOpEventSink struct{}

// Append implements EventSink.
func (n *NoOpEventSink) Append(_ context.Context, _ Envelope) error { return nil }

// NewNoOpEventSink creates a new no-op event sink.
func NewNoOpEventSink() EventSink {
	return &NoOpEventSink{}
}
