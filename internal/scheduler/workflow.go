package scheduler

import (
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// Application error types set by the activities. Errors of these types are
// never retried.
const (
	ErrTypeValidation        = "Validation"
	ErrTypeUnknownFunction   = "UnknownFunction"
	ErrTypeInvalidTransition = "InvalidTransition"
)

// failActivityTimeout bounds the bookkeeping activity that records a failed step.
const failActivityTimeout = 30 * time.Second

// MachineStepWorkflow executes one dispatched machine step. The dispatch
// activity runs with the message's timeout and attempt budget; when the
// last attempt fails the step is declared failed and the error returned. A
// function name missing from the dispatch table is logged and dropped.
func MachineStepWorkflow(ctx workflow.Context, msg DispatchMessage) error {
	const currentVersion = 1
	_ = workflow.GetVersion(ctx, "machine_step.v", workflow.DefaultVersion, currentVersion)

	logger := workflow.GetLogger(ctx)

	if msg.ProjectID == "" || msg.StepSlug == "" || msg.Function == "" {
		return temporal.NewNonRetryableApplicationError(
			"invalid dispatch message",
			ErrTypeValidation,
			nil,
		)
	}

	timeout := msg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	attempts := msg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var a *Activities
	dispatchCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        time.Minute,
			MaximumAttempts:        attempts,
			NonRetryableErrorTypes: []string{ErrTypeValidation, ErrTypeUnknownFunction, ErrTypeInvalidTransition},
		},
	})
	err := workflow.ExecuteActivity(dispatchCtx, a.Dispatch, msg).Get(ctx, nil)
	if err == nil {
		return nil
	}

	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) && appErr.Type() == ErrTypeUnknownFunction {
		logger.Warn("Dropping message for unknown function",
			"function", msg.Function, "project_id", msg.ProjectID, "step", msg.StepSlug)
		return nil
	}

	logger.Error("Machine step failed", "project_id", msg.ProjectID, "step", msg.StepSlug, "error", err)
	failCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: failActivityTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval: time.Second,
			MaximumAttempts: 3,
		},
	})
	if ferr := workflow.ExecuteActivity(failCtx, a.FailMachineStep, msg, err.Error()).Get(ctx, nil); ferr != nil {
		logger.Error("Recording machine step failure", "error", ferr)
	}
	return err
}
