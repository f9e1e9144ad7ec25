package staffing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/go-orchestra/internal/certification"
	"github.com/ahrav/go-orchestra/internal/domain"
	"github.com/ahrav/go-orchestra/internal/store"
	"github.com/ahrav/go-orchestra/internal/taskevent"
)

// Result is the outcome of one staffing response.
type Result struct {
	// IsWinner is true only for the inquiry that won its request.
	IsWinner bool `json:"is_winner"`

	// AlreadyResolved is true when the inquiry had been resolved before this
	// call; the result then repeats the first outcome.
	AlreadyResolved bool `json:"already_resolved"`

	// Status is the inquiry's final status.
	Status domain.InquiryStatus `json:"status"`

	// Assignment is the winner's assignment.
	Assignment *domain.TaskAssignment `json:"assignment,omitempty"`
}

// HandleStaffingResponse resolves workerID's answer to an inquiry.
//
// A rejection marks the inquiry REJECTED. An acceptance wins only when no
// sibling has been accepted and the task still waits for the request's role;
// the winner gets the next tier of the task, every other open inquiry of the
// task expires and the request closes. Late acceptances are REJECTED.
// Answering an already resolved inquiry repeats the first outcome.
func (e *Engine) HandleStaffingResponse(ctx context.Context, workerID, inquiryID string, accepted bool) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "staffing.handle_response",
		trace.WithAttributes(
			attribute.String("orchestra.inquiry.id", inquiryID),
			attribute.String("orchestra.worker.id", workerID),
			attribute.Bool("orchestra.accepted", accepted),
		),
	)
	defer span.End()

	var (
		res    Result
		change *taskevent.Change
	)
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		res, change = Result{}, nil
		var err error
		res, change, err = e.resolve(ctx, tx, workerID, inquiryID, accepted)
		return err
	})
	if accepted && errors.Is(err, store.ErrConflict) {
		// Another transaction committed an acceptance past our checks; the
		// unique constraint decided the race.
		e.logger.InfoContext(ctx, "staffing accept lost at constraint", "inquiry_id", inquiryID, "worker_id", workerID)
		res, change = Result{}, nil
		err = e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
			var err error
			res, err = e.markLost(ctx, tx, inquiryID)
			return err
		})
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	span.SetAttributes(
		attribute.Bool("orchestra.staffing.is_winner", res.IsWinner),
		attribute.Bool("orchestra.staffing.already_resolved", res.AlreadyResolved),
		attribute.String("orchestra.inquiry.status", string(res.Status)),
	)
	e.logger.InfoContext(ctx, "staffing response handled",
		"inquiry_id", inquiryID,
		"worker_id", workerID,
		"accepted", accepted,
		"status", res.Status,
		"is_winner", res.IsWinner,
		"already_resolved", res.AlreadyResolved)

	if change != nil {
		e.emitter.StatusChanged(ctx, *change)
	}
	return res, nil
}

func (e *Engine) resolve(ctx context.Context, tx store.Tx, workerID, inquiryID string, accepted bool) (Result, *taskevent.Change, error) {
	inq, err := tx.GetInquiry(ctx, inquiryID)
	if err != nil {
		return Result{}, nil, err
	}
	if inq.WorkerID != workerID {
		return Result{}, nil, fmt.Errorf("%w: inquiry %s", ErrInquiryNotOwned, inquiryID)
	}

	// Locks are taken task first, then request, the same order every other
	// task write uses.
	unlocked, err := tx.GetStaffingRequest(ctx, inq.RequestID)
	if err != nil {
		return Result{}, nil, err
	}
	task, err := tx.LockTask(ctx, unlocked.TaskID)
	if err != nil {
		return Result{}, nil, err
	}
	req, err := tx.LockStaffingRequest(ctx, inq.RequestID)
	if err != nil {
		return Result{}, nil, err
	}
	// Re-read under the lock: a concurrent resolution may have committed.
	if inq, err = tx.GetInquiry(ctx, inquiryID); err != nil {
		return Result{}, nil, err
	}
	if inq.Status.IsFinal() {
		res, err := e.replay(ctx, tx, req, inq)
		return res, nil, err
	}

	now := e.now()
	if !accepted {
		inq.Resolve(domain.InquiryRejected, now)
		return Result{Status: domain.InquiryRejected}, nil, tx.UpdateInquiry(ctx, inq)
	}

	siblings, err := tx.ListInquiries(ctx, req.ID)
	if err != nil {
		return Result{}, nil, err
	}
	if req.IsResolved() || req.Status == domain.RequestClosed || anyAccepted(siblings, inq.ID) {
		inq.Resolve(domain.InquiryRejected, now)
		return Result{Status: domain.InquiryRejected}, nil, tx.UpdateInquiry(ctx, inq)
	}

	if role, ok := task.StaffableRole(); !ok || role != req.RequiredRole {
		// The task moved on without this request (claimed, aborted, or
		// staffed through another request): nobody can win it any more.
		if err := e.closeRequest(ctx, tx, req, siblings, "", now); err != nil {
			return Result{}, nil, err
		}
		return Result{Status: domain.InquiryExpired}, nil, nil
	}

	worker, err := tx.GetWorker(ctx, workerID)
	if err != nil {
		return Result{}, nil, err
	}
	if !certification.IsWorkerCertifiedForTask(worker, task, req.RequiredRole) {
		return Result{}, nil, fmt.Errorf("%w: worker %s, task %s", ErrNotCertified, workerID, task.ID)
	}
	if err := e.gate.Require(ctx, tx, worker, task.Status); err != nil {
		return Result{}, nil, err
	}

	assignment, prev, err := task.Assign(workerID, now)
	if err != nil {
		return Result{}, nil, err
	}
	if err := tx.UpdateTask(ctx, task); err != nil {
		return Result{}, nil, err
	}

	inq.Resolve(domain.InquiryAccepted, now)
	if err := tx.UpdateInquiry(ctx, inq); err != nil {
		return Result{}, nil, err
	}
	if err := e.closeRequest(ctx, tx, req, siblings, inq.ID, now); err != nil {
		return Result{}, nil, err
	}
	if err := ExpireOpenRequests(ctx, tx, task.ID, now); err != nil {
		return Result{}, nil, err
	}

	return Result{
			IsWinner:   true,
			Status:     domain.InquiryAccepted,
			Assignment: assignment.Clone(),
		}, &taskevent.Change{
			Task:     task.Clone(),
			Previous: prev,
			Actor:    workerID,
		}, nil
}

// replay rebuilds the outcome of an inquiry resolved earlier.
func (e *Engine) replay(ctx context.Context, r store.Reader, req *domain.StaffingRequest, inq *domain.StaffingRequestInquiry) (Result, error) {
	res := Result{AlreadyResolved: true, Status: inq.Status}
	if inq.Status != domain.InquiryAccepted || req.WinnerInquiryID != inq.ID {
		return res, nil
	}

	res.IsWinner = true
	task, err := r.GetTask(ctx, req.TaskID)
	if err != nil {
		return Result{}, err
	}
	if tier, ok := task.TierOf(inq.WorkerID); ok {
		for _, a := range task.Assignments {
			if a.WorkerID == inq.WorkerID && a.Tier == tier && a.AssignmentCounter == tier {
				res.Assignment = a.Clone()
				break
			}
		}
	}
	return res, nil
}

// markLost records a constraint-decided loss for a still-open inquiry.
func (e *Engine) markLost(ctx context.Context, tx store.Tx, inquiryID string) (Result, error) {
	inq, err := tx.GetInquiry(ctx, inquiryID)
	if err != nil {
		return Result{}, err
	}
	req, err := tx.LockStaffingRequest(ctx, inq.RequestID)
	if err != nil {
		return Result{}, err
	}
	if inq, err = tx.GetInquiry(ctx, inquiryID); err != nil {
		return Result{}, err
	}
	if inq.Status.IsFinal() {
		return e.replay(ctx, tx, req, inq)
	}
	inq.Resolve(domain.InquiryRejected, e.now())
	return Result{Status: domain.InquiryRejected}, tx.UpdateInquiry(ctx, inq)
}

// closeRequest expires every open inquiry except winnerID and closes req.
func (e *Engine) closeRequest(ctx context.Context, tx store.Tx, req *domain.StaffingRequest, inquiries []*domain.StaffingRequestInquiry, winnerID string, now time.Time) error {
	for _, s := range inquiries {
		if s.ID == winnerID || s.Status.IsFinal() {
			continue
		}
		s.Resolve(domain.InquiryExpired, now)
		if err := tx.UpdateInquiry(ctx, s); err != nil {
			return err
		}
	}
	req.Close(winnerID, now)
	return tx.UpdateStaffingRequest(ctx, req)
}

func anyAccepted(inquiries []*domain.StaffingRequestInquiry, except string) bool {
	for _, i := range inquiries {
		if i.ID != except && i.Status == domain.InquiryAccepted {
			return true
		}
	}
	return false
}
