// Package taskevent builds and publishes task lifecycle events.
package taskevent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/go-orchestra/internal/domain"
	"github.com/ahrav/go-orchestra/pkg/events"
)

// Event types.
const (
	TypeStatusChanged   = "task.status_changed"
	TypeProjectFinished = "project.finished"
)

const schemaVersion = "1.0.0"

// StatusChanged is the payload of a task.status_changed event.
type StatusChanged struct {
	TaskID         string            `json:"task_id"`
	ProjectID      string            `json:"project_id"`
	StepSlug       string            `json:"step_slug"`
	PreviousStatus domain.TaskStatus `json:"previous_status"`
	NewStatus      domain.TaskStatus `json:"new_status"`

	// Actor is the worker that triggered the change; empty for the system.
	Actor string `json:"actor,omitempty"`

	// Workers lists everyone assigned to the task after the change.
	Workers []string `json:"workers,omitempty"`
}

// ProjectFinished is the payload of a project.finished event.
type ProjectFinished struct {
	ProjectID string               `json:"project_id"`
	Status    domain.ProjectStatus `json:"status"`
	Actor     string               `json:"actor,omitempty"`
}

// Emitter publishes lifecycle events to a sink on behalf of one component.
type Emitter struct {
	sink   events.EventSink
	source string
	logger *slog.Logger
	now    func() time.Time
}

// NewEmitter creates an Emitter tagging events with source. A nil sink
// discards events.
func NewEmitter(sink events.EventSink, source string, logger *slog.Logger) *Emitter {
	if sink == nil {
		sink = events.NewNoOpEventSink()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{sink: sink, source: source, logger: logger, now: time.Now}
}

// Change describes one committed task transition.
type Change struct {
	Task     *domain.Task
	Previous domain.TaskStatus
	Actor    string
}

// StatusChanged publishes one event per change. Changes where the status
// did not move are skipped.
func (e *Emitter) StatusChanged(ctx context.Context, changes ...Change) {
	for _, c := range changes {
		if c.Task == nil || c.Previous == c.Task.Status {
			continue
		}
		payload := StatusChanged{
			TaskID:         c.Task.ID,
			ProjectID:      c.Task.ProjectID,
			StepSlug:       c.Task.StepSlug,
			PreviousStatus: c.Previous,
			NewStatus:      c.Task.Status,
			Actor:          c.Actor,
			Workers:        assignedWorkers(c.Task),
		}
		// Revision rounds revisit the same edge, so the key includes the
		// number of assignment rows to keep each round distinct.
		key := fmt.Sprintf("%s:%s:%s:%d", c.Task.ID, c.Previous, c.Task.Status, len(c.Task.Assignments))
		e.emit(ctx, TypeStatusChanged, c.Task.ID, key, payload)
	}
}

// ProjectFinished publishes a project.finished event.
func (e *Emitter) ProjectFinished(ctx context.Context, p *domain.Project, actor string) {
	payload := ProjectFinished{ProjectID: p.ID, Status: p.Status, Actor: actor}
	e.emit(ctx, TypeProjectFinished, p.ID, p.ID+":"+string(p.Status), payload)
}

func (e *Emitter) emit(ctx context.Context, eventType, subject, key string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		e.logger.ErrorContext(ctx, "encode event payload", "event_type", eventType, "error", err)
		return
	}
	events.EmitSafe(ctx, e.sink, events.Envelope{
		ID:             uuid.NewString(),
		Type:           eventType,
		Source:         e.source,
		Version:        schemaVersion,
		Timestamp:      e.now().UTC(),
		IdempotencyKey: key,
		Subject:        subject,
		Payload:        body,
	}, e.logger)
}

func assignedWorkers(t *domain.Task) []string {
	var out []string
	seen := make(map[string]bool)
	for _, a := range t.Assignments {
		if a.WorkerID == "" || seen[a.WorkerID] {
			continue
		}
		seen[a.WorkerID] = true
		out = append(out, a.WorkerID)
	}
	return out
}

// Decode unmarshals a status change payload from an envelope.
func Decode(env events.Envelope) (StatusChanged, error) {
	var sc StatusChanged
	if env.Type != TypeStatusChanged {
		return sc, fmt.Errorf("unexpected event type %q", env.Type)
	}
	if err := json.Unmarshal(env.Payload, &sc); err != nil {
		return sc, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return sc, nil
}
