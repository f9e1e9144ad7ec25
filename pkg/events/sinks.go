package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// MemorySink keeps events in memory, dropping duplicate idempotency keys.
// Safe for concurrent use.
type MemorySink struct {
	mu     sync.Mutex
	events []Envelope
	seen   map[string]struct{}
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{seen: make(map[string]struct{})}
}

// Append implements EventSink.
func (m *MemorySink) Append(_ context.Context, env Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if env.IdempotencyKey != "" {
		if _, dup := m.seen[env.IdempotencyKey]; dup {
			return nil
		}
		m.seen[env.IdempotencyKey] = struct{}{}
	}
	m.events = append(m.events, env)
	return nil
}

// Events returns a copy of the recorded events in append order.
func (m *MemorySink) Events() []Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Envelope, len(m.events))
	copy(out, m.events)
	return out
}

// OfType returns the recorded events of the given type.
func (m *MemorySink) OfType(eventType string) []Envelope {
	var out []Envelope
	for _, e := range m.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// MultiSink fans an event out to several sinks. Every sink is attempted;
// the returned error joins the individual failures.
type MultiSink []EventSink

// Append implements EventSink.
func (m MultiSink) Append(ctx context.Context, env Envelope) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Append(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

const (
	emitAttempts   = 2
	emitRetryDelay = 200 * time.Millisecond
)

// EmitSafe appends env with one retry and logs the outcome. It never returns
// an error: events are secondary effects of a committed state change.
func EmitSafe(ctx context.Context, sink EventSink, env Envelope, logger *slog.Logger) {
	if sink == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for attempt := 0; attempt < emitAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(emitRetryDelay):
			case <-ctx.Done():
				logger.WarnContext(ctx, "event emission cancelled",
					"event_type", env.Type, "subject", env.Subject)
				return
			}
		}
		if lastErr = sink.Append(ctx, env); lastErr == nil {
			logger.DebugContext(ctx, "event emitted",
				"event_type", env.Type, "idempotency_key", env.IdempotencyKey)
			return
		}
	}

	logger.ErrorContext(ctx, "event emission failed",
		"event_type", env.Type,
		"subject", env.Subject,
		"attempts", emitAttempts,
		"error", lastErr)
}
