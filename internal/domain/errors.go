package domain

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition indicates a status change the lifecycle does not allow.
var ErrInvalidTransition = errors.New("invalid task status transition")

// ErrInvalidWorkflow indicates a workflow version definition that cannot be run.
var ErrInvalidWorkflow = errors.New("invalid workflow definition")

// ErrWorkerAlreadyAssigned indicates the worker already holds a tier of the task.
var ErrWorkerAlreadyAssigned = errors.New("worker already assigned to task")

// ErrNotAssigned indicates the worker does not hold the assignment the operation needs.
var ErrNotAssigned = errors.New("worker does not hold the current assignment")

// ErrUnknownStep indicates a step slug missing from the project's workflow version.
var ErrUnknownStep = errors.New("unknown workflow step")

// ErrInvalidProject indicates a project that fails validation.
var ErrInvalidProject = errors.New("invalid project")

// TransitionError describes a rejected status change. It matches
// ErrInvalidTransition with errors.Is.
type TransitionError struct {
	TaskID string     // Task the transition was attempted on.
	From   TaskStatus // Status at the time of the attempt.
	To     TaskStatus // Requested status.
	Reason string     // Optional context.
}

// Error returns a formatted error message for the transition error.
func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("task %s: cannot move from %s to %s", e.TaskID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Unwrap lets errors.Is match ErrInvalidTransition.
func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

func newTransitionError(t *Task, to TaskStatus, reason string) *TransitionError {
	return &TransitionError{TaskID: t.ID, From: t.Status, To: to, Reason: reason}
}
