// Package activity provides infrastructure shared by Temporal activity
// implementations: workflow metadata extraction, event emission and logging
// that also work when an activity method is called directly from a test.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"

	"github.com/ahrav/go-orchestra/pkg/events"
)

const envelopeVersion = "1.0.0"

// WorkflowContext is the workflow metadata of the running activity.
type WorkflowContext struct {
	WorkflowID string
	RunID      string
	ActivityID string
	Attempt    int32
}

// BaseActivities is embedded by activity structs.
type BaseActivities struct {
	eventSink events.EventSink
	source    string
	logger    *slog.Logger
}

// NewBaseActivities creates a BaseActivities publishing to sink under
// source. A nil sink disables emission.
func NewBaseActivities(sink events.EventSink, source string) BaseActivities {
	return BaseActivities{
		eventSink: sink,
		source:    source,
		logger:    slog.Default().With("component", "activity", "source", source),
	}
}

// GetWorkflowContext extracts workflow metadata. Outside a Temporal
// activity context (direct calls in tests) it returns local placeholders.
func (b *BaseActivities) GetWorkflowContext(ctx context.Context) WorkflowContext {
	var wfCtx WorkflowContext

	func() {
		defer func() {
			if r := recover(); r != nil {
				wfCtx = WorkflowContext{WorkflowID: "local", RunID: "local", ActivityID: "local", Attempt: 1}
			}
		}()

		info := activity.GetInfo(ctx)
		wfCtx.WorkflowID = info.WorkflowExecution.ID
		wfCtx.RunID = info.WorkflowExecution.RunID
		wfCtx.ActivityID = info.ActivityID
		wfCtx.Attempt = info.Attempt
	}()

	return wfCtx
}

// EmitEventSafe builds an envelope around payload and appends it with one
// retry. Failures are logged and never returned.
func (b *BaseActivities) EmitEventSafe(ctx context.Context, eventType, subject, idempotencyKey string, payload any) {
	if b.eventSink == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		SafeLogError(ctx, fmt.Sprintf("Encode %s payload", eventType), "error", err)
		return
	}
	events.EmitSafe(ctx, b.eventSink, events.Envelope{
		ID:             uuid.NewString(),
		Type:           eventType,
		Source:         b.source,
		Version:        envelopeVersion,
		Timestamp:      time.Now().UTC(),
		IdempotencyKey: idempotencyKey,
		Subject:        subject,
		Payload:        body,
	}, b.logger)
}

// RecordHeartbeat records a heartbeat; ignored outside an activity context.
func (b *BaseActivities) RecordHeartbeat(ctx context.Context, details ...any) {
	RecordHeartbeat(ctx, details...)
}

// SafeLog logs through the activity logger, or not at all outside an
// activity context.
func SafeLog(ctx context.Context, msg string, keyvals ...any) {
	defer func() { _ = recover() }()
	activity.GetLogger(ctx).Info(msg, keyvals...)
}

// SafeLogError is SafeLog at error level.
func SafeLogError(ctx context.Context, msg string, keyvals ...any) {
	defer func() { _ = recover() }()
	activity.GetLogger(ctx).Error(msg, keyvals...)
}

// RecordHeartbeat records activity heartbeat details; ignored outside an
// activity context.
func RecordHeartbeat(ctx context.Context, details ...any) {
	defer func() { _ = recover() }()
	activity.RecordHeartbeat(ctx, details...)
}
