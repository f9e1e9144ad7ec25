package staffing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/go-orchestra/internal/certification"
	"github.com/ahrav/go-orchestra/internal/domain"
	"github.com/ahrav/go-orchestra/internal/notify"
	"github.com/ahrav/go-orchestra/internal/store"
)

// SendStaffingRequest offers the task to every eligible worker at role. The
// request and its SENT inquiries commit together; offers go out afterwards
// and their failures are only logged.
func (e *Engine) SendStaffingRequest(ctx context.Context, taskID string, role domain.Role, cause domain.RequestCause) (*domain.StaffingRequest, error) {
	ctx, span := e.tracer.Start(ctx, "staffing.send_request",
		trace.WithAttributes(
			attribute.String("orchestra.task.id", taskID),
			attribute.String("orchestra.role", role.String()),
			attribute.String("orchestra.cause", string(cause)),
		),
	)
	defer span.End()

	var (
		req        *domain.StaffingRequest
		inquiries  []*domain.StaffingRequestInquiry
		task       *domain.Task
		candidates []*domain.Worker
	)
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		if task, err = tx.LockTask(ctx, taskID); err != nil {
			return err
		}
		staffable, ok := task.StaffableRole()
		if !ok || staffable != role {
			return &domain.TransitionError{
				TaskID: task.ID,
				From:   task.Status,
				To:     task.Status,
				Reason: fmt.Sprintf("task is not staffable for role %s", role),
			}
		}

		if candidates, err = e.eligibleWorkers(ctx, tx, task, role); err != nil {
			return err
		}
		if len(candidates) == 0 {
			return fmt.Errorf("%w: task %s, role %s", ErrNoEligibleWorkers, task.ID, role)
		}

		now := e.now()
		req = domain.NewStaffingRequest(task.ID, role, cause, now)
		inquiries = make([]*domain.StaffingRequestInquiry, len(candidates))
		for i, w := range candidates {
			inquiries[i] = domain.NewInquiry(req.ID, w.ID, e.communicationMethod(w), now)
		}
		return tx.CreateStaffingRequest(ctx, req, inquiries)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("orchestra.staffing.inquiries", len(inquiries)))
	e.logger.InfoContext(ctx, "staffing request sent",
		"request_id", req.ID,
		"task_id", task.ID,
		"role", role.String(),
		"cause", cause,
		"inquiries", len(inquiries))

	e.sendOffers(ctx, task, req, inquiries, candidates)
	return req, nil
}

// eligibleWorkers returns certified workers, in seniority order, who are
// below their assignment cap and hold no tier of the task yet.
func (e *Engine) eligibleWorkers(ctx context.Context, r store.Reader, task *domain.Task, role domain.Role) ([]*domain.Worker, error) {
	workers, err := r.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}

	var out []*domain.Worker
	for _, w := range certification.Filter(workers, task, role) {
		if _, held := task.TierOf(w.ID); held {
			continue
		}
		ok, err := e.gate.CheckWorkerAllowedNewAssignment(ctx, r, w, task.Status)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, w)
		}
	}
	return out, nil
}

func (e *Engine) communicationMethod(w *domain.Worker) domain.CommunicationMethod {
	if w.StaffingOptIn {
		return domain.CommunicationPreviouslyOptedIn
	}
	if ch, _, err := notify.Route(w, e.features); err == nil && ch == notify.ChannelSlack {
		return domain.CommunicationSlack
	}
	return domain.CommunicationEmail
}

// sendOffers hands an offer per candidate to the notifier, which delivers
// in the background. Opted-in workers find the task in their queue and get
// no message.
func (e *Engine) sendOffers(ctx context.Context, task *domain.Task, req *domain.StaffingRequest, inquiries []*domain.StaffingRequestInquiry, workers []*domain.Worker) {
	byID := make(map[string]*domain.Worker, len(workers))
	for _, w := range workers {
		byID[w.ID] = w
	}

	for _, inq := range inquiries {
		w := byID[inq.WorkerID]
		if inq.CommunicationMethod == domain.CommunicationPreviouslyOptedIn || w == nil {
			continue
		}
		ch, recipient, err := notify.Route(w, e.features)
		if err != nil {
			e.logger.DebugContext(ctx, "worker has no reachable channel", "worker_id", w.ID, "inquiry_id", inq.ID)
			continue
		}
		msg := notify.Message{
			Channel:   ch,
			Recipient: recipient,
			Subject:   fmt.Sprintf("New %s task available: %s", humanRole(req.RequiredRole), task.StepSlug),
			Body: fmt.Sprintf(
				"A %s task for step %s is available.\n\nAccept: %s\nDecline: %s\n",
				humanRole(req.RequiredRole), task.StepSlug, e.AcceptURL(inq.ID), e.RejectURL(inq.ID),
			),
		}
		e.notifier.Notify(ctx, msg)
	}
}

func humanRole(r domain.Role) string {
	if r == domain.RoleReviewer {
		return "review"
	}
	return "entry-level"
}
