package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ahrav/go-orchestra/internal/certification"
	"github.com/ahrav/go-orchestra/internal/domain"
	"github.com/ahrav/go-orchestra/internal/staffing"
	"github.com/ahrav/go-orchestra/internal/store"
)

func taskAttrs(taskID, workerID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("orchestra.task.id", taskID),
		attribute.String("orchestra.worker.id", workerID),
	}
}

// ClaimTask lets a worker take the next tier of a task that is waiting for
// one. Open staffing requests of the task expire.
func (s *Service) ClaimTask(ctx context.Context, taskID, workerID string) (*domain.TaskAssignment, error) {
	var assignment *domain.TaskAssignment
	err := s.run(ctx, "claim_task", workerID, taskAttrs(taskID, workerID), func(ctx context.Context, tx store.Tx, fx *effects) error {
		t, err := tx.LockTask(ctx, taskID)
		if err != nil {
			return err
		}
		fx.projectID = t.ProjectID
		_, step, err := s.stepOf(ctx, tx, t)
		if err != nil {
			return err
		}
		if !step.IsHuman {
			return fmt.Errorf("%w: %s is a machine step", ErrWrongStepKind, step.Slug)
		}
		role, ok := t.StaffableRole()
		if !ok {
			return &domain.TransitionError{TaskID: t.ID, From: t.Status, To: t.Status, Reason: "task is not waiting for a worker"}
		}

		w, err := tx.GetWorker(ctx, workerID)
		if err != nil {
			return err
		}
		if !certification.IsWorkerCertifiedForTask(w, t, role) {
			return fmt.Errorf("%w: worker %s, task %s", staffing.ErrNotCertified, workerID, t.ID)
		}
		if err := s.gate.Require(ctx, tx, w, t.Status); err != nil {
			return err
		}

		now := s.now()
		a, prev, err := t.Assign(workerID, now)
		if err != nil {
			return err
		}
		if err := tx.UpdateTask(ctx, t); err != nil {
			return err
		}
		if err := staffing.ExpireOpenRequests(ctx, tx, t.ID, now); err != nil {
			return err
		}
		fx.changed(t, prev, workerID)
		assignment = a.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return assignment, nil
}

// SaveProgress replaces the in-progress data of the worker's active
// assignment without changing the task status.
func (s *Service) SaveProgress(ctx context.Context, taskID, workerID string, data map[string]any) (*domain.TaskAssignment, error) {
	var assignment *domain.TaskAssignment
	err := s.run(ctx, "save_progress", workerID, taskAttrs(taskID, workerID), func(ctx context.Context, tx store.Tx, fx *effects) error {
		t, err := tx.LockTask(ctx, taskID)
		if err != nil {
			return err
		}
		fx.projectID = t.ProjectID
		a, err := t.SaveProgress(workerID, data, s.now())
		if err != nil {
			return err
		}
		if err := tx.UpdateTask(ctx, t); err != nil {
			return err
		}
		assignment = a.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return assignment, nil
}

// SubmitTask hands in the worker's work and returns the new task status.
//
// From PROCESSING the step's review policy decides between PENDING_REVIEW,
// which autostaffs a reviewer, and COMPLETE, which advances the project.
// From POST_REVIEW_PROCESSING the revision goes back to the reviewer as a
// new assignment row with the next counter.
func (s *Service) SubmitTask(ctx context.Context, taskID, workerID string, data map[string]any) (domain.TaskStatus, error) {
	var status domain.TaskStatus
	err := s.run(ctx, "submit_task", workerID, taskAttrs(taskID, workerID), func(ctx context.Context, tx store.Tx, fx *effects) error {
		t, err := tx.LockTask(ctx, taskID)
		if err != nil {
			return err
		}
		fx.projectID = t.ProjectID
		p, step, err := s.stepOf(ctx, tx, t)
		if err != nil {
			return err
		}
		if !step.IsHuman {
			return fmt.Errorf("%w: %s is a machine step", ErrWrongStepKind, step.Slug)
		}
		if err := s.checkSubmissionDeps(ctx, tx, t.ProjectID, step); err != nil {
			return err
		}

		now := s.now()
		var prev domain.TaskStatus
		if t.Status == domain.TaskPostReviewProcessing {
			if _, prev, err = t.Resubmit(workerID, data, now); err != nil {
				return err
			}
		} else {
			toReview := t.Status == domain.TaskProcessing && step.ReviewPolicy.NeedsReview(s.sample())
			if prev, err = t.Submit(workerID, data, toReview, now); err != nil {
				return err
			}
		}
		if err := tx.UpdateTask(ctx, t); err != nil {
			return err
		}
		fx.changed(t, prev, workerID)
		status = t.Status

		switch t.Status {
		case domain.TaskPendingReview:
			fx.staff = append(fx.staff, staffCall{taskID: t.ID, role: domain.RoleReviewer})
		case domain.TaskComplete:
			return s.advance(ctx, tx, p, fx, now)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

// checkSubmissionDeps fails unless every submission dependency of step has
// a complete task.
func (s *Service) checkSubmissionDeps(ctx context.Context, r store.Reader, projectID string, step *domain.Step) error {
	for _, dep := range step.SubmissionDependsOn {
		t, err := r.GetTaskByStep(ctx, projectID, dep)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s waits for %s", ErrSubmissionBlocked, step.Slug, dep)
		}
		if err != nil {
			return err
		}
		if t.Status != domain.TaskComplete {
			return fmt.Errorf("%w: %s waits for %s (%s)", ErrSubmissionBlocked, step.Slug, dep, t.Status)
		}
	}
	return nil
}

// ReviewTask records the reviewer's decision and returns the new status.
// Approval completes the task and advances the project; rejection returns
// the task to the worker below for revision.
func (s *Service) ReviewTask(ctx context.Context, taskID, reviewerID string, approve bool, data map[string]any) (domain.TaskStatus, error) {
	var status domain.TaskStatus
	attrs := append(taskAttrs(taskID, reviewerID), attribute.Bool("orchestra.review.approved", approve))
	err := s.run(ctx, "review_task", reviewerID, attrs, func(ctx context.Context, tx store.Tx, fx *effects) error {
		t, err := tx.LockTask(ctx, taskID)
		if err != nil {
			return err
		}
		fx.projectID = t.ProjectID
		p, _, err := s.stepOf(ctx, tx, t)
		if err != nil {
			return err
		}

		now := s.now()
		prev, err := t.Review(reviewerID, approve, data, now)
		if err != nil {
			return err
		}
		if err := tx.UpdateTask(ctx, t); err != nil {
			return err
		}
		fx.changed(t, prev, reviewerID)
		status = t.Status

		if t.Status == domain.TaskComplete {
			return s.advance(ctx, tx, p, fx, now)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

// AbortTask aborts a task. Its open staffing requests expire and steps
// depending on it are never created.
func (s *Service) AbortTask(ctx context.Context, taskID, actor string) error {
	return s.run(ctx, "abort_task", actor, taskAttrs(taskID, actor), func(ctx context.Context, tx store.Tx, fx *effects) error {
		t, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		fx.projectID = t.ProjectID
		return s.abortTask(ctx, tx, taskID, actor, fx, s.now())
	})
}
