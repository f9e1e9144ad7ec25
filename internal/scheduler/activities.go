package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.temporal.io/sdk/temporal"

	"github.com/ahrav/go-orchestra/internal/dispatch"
	"github.com/ahrav/go-orchestra/internal/domain"
	"github.com/ahrav/go-orchestra/internal/machine"
	"github.com/ahrav/go-orchestra/internal/store"
	"github.com/ahrav/go-orchestra/pkg/activity"
)

// TypeAttemptFailed is emitted for every failed dispatch attempt.
const TypeAttemptFailed = "machine_step.attempt_failed"

// AttemptFailed is the payload of a machine_step.attempt_failed event.
type AttemptFailed struct {
	ProjectID  string `json:"project_id"`
	StepSlug   string `json:"step_slug"`
	WorkflowID string `json:"workflow_id"`
	Attempt    int32  `json:"attempt"`
	Error      string `json:"error"`
}

// NewTable builds the dispatch table consumed by the activities: the
// machine-step entry bound to exec plus any extra entries.
func NewTable(exec Executor, extra ...dispatch.Entry) (*dispatch.Table, error) {
	entries := append([]dispatch.Entry{
		dispatch.MachineStep{Run: func(ctx context.Context, args dispatch.MachineStepArgs) error {
			return exec.ExecuteMachineStep(ctx, args.ProjectID, args.StepSlug)
		}},
	}, extra...)
	return dispatch.NewTable(entries...)
}

// Activities is the execution side of MachineStepWorkflow.
type Activities struct {
	activity.BaseActivities
	table *dispatch.Table
	exec  Executor
}

// NewActivities creates the activities.
func NewActivities(base activity.BaseActivities, table *dispatch.Table, exec Executor) *Activities {
	return &Activities{BaseActivities: base, table: table, exec: exec}
}

// Dispatch looks the message's function up in the table and runs it.
// Errors that another attempt cannot fix are returned as non-retryable.
func (a *Activities) Dispatch(ctx context.Context, msg DispatchMessage) error {
	wfCtx := a.GetWorkflowContext(ctx)
	activity.SafeLog(ctx, "Dispatching machine step",
		"function", msg.Function, "project_id", msg.ProjectID, "step", msg.StepSlug, "attempt", wfCtx.Attempt)

	args, err := json.Marshal(dispatch.MachineStepArgs{ProjectID: msg.ProjectID, StepSlug: msg.StepSlug})
	if err != nil {
		return temporal.NewNonRetryableApplicationError("encode dispatch arguments", ErrTypeValidation, err)
	}

	err = a.table.Execute(ctx, msg.Function, args)
	if err == nil {
		return nil
	}

	a.EmitEventSafe(ctx, TypeAttemptFailed, msg.ProjectID+"/"+msg.StepSlug,
		fmt.Sprintf("%s:%s:%d", wfCtx.WorkflowID, wfCtx.RunID, wfCtx.Attempt),
		AttemptFailed{
			ProjectID:  msg.ProjectID,
			StepSlug:   msg.StepSlug,
			WorkflowID: wfCtx.WorkflowID,
			Attempt:    wfCtx.Attempt,
			Error:      err.Error(),
		})
	return classify(err)
}

// FailMachineStep declares the step failed after the last attempt.
func (a *Activities) FailMachineStep(ctx context.Context, msg DispatchMessage, reason string) error {
	activity.SafeLogError(ctx, "Declaring machine step failed",
		"project_id", msg.ProjectID, "step", msg.StepSlug, "reason", reason)
	if err := a.exec.FailMachineStep(ctx, msg.ProjectID, msg.StepSlug, reason); err != nil {
		return classify(err)
	}
	return nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, dispatch.ErrUnknownFunction):
		return temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeUnknownFunction, err)
	case errors.Is(err, dispatch.ErrBadArguments),
		errors.Is(err, machine.ErrUnknownFunction),
		errors.Is(err, domain.ErrUnknownStep),
		errors.Is(err, store.ErrNotFound):
		return temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeValidation, err)
	case errors.Is(err, domain.ErrInvalidTransition):
		return temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeInvalidTransition, err)
	default:
		return err
	}
}
