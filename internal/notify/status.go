package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ahrav/go-orchestra/internal/domain"
	"github.com/ahrav/go-orchestra/internal/taskevent"
	"github.com/ahrav/go-orchestra/pkg/events"
)

// WorkerLookup resolves worker records; store.Reader satisfies it.
type WorkerLookup interface {
	GetWorker(ctx context.Context, id string) (*domain.Worker, error)
}

// StatusChangeNotifier is an events.EventSink that tells the workers on a
// task when its status changes. The actor who caused the change is skipped.
type StatusChangeNotifier struct {
	dispatcher *Dispatcher
	workers    WorkerLookup
	logger     *slog.Logger
}

var _ events.EventSink = (*StatusChangeNotifier)(nil)

// NewStatusChangeNotifier creates the sink.
func NewStatusChangeNotifier(d *Dispatcher, workers WorkerLookup) *StatusChangeNotifier {
	return &StatusChangeNotifier{
		dispatcher: d,
		workers:    workers,
		logger:     slog.Default().With("component", "status_notifier"),
	}
}

// Append implements events.EventSink. Other event types are ignored.
func (n *StatusChangeNotifier) Append(ctx context.Context, env events.Envelope) error {
	if env.Type != taskevent.TypeStatusChanged {
		return nil
	}
	sc, err := taskevent.Decode(env)
	if err != nil {
		return err
	}

	subject := fmt.Sprintf("Task %s is now %s", sc.StepSlug, humanStatus(sc.NewStatus))
	body := fmt.Sprintf("Task %s (step %s, project %s) moved from %s to %s.",
		sc.TaskID, sc.StepSlug, sc.ProjectID, humanStatus(sc.PreviousStatus), humanStatus(sc.NewStatus))

	for _, id := range sc.Workers {
		if id == sc.Actor {
			continue
		}
		w, err := n.workers.GetWorker(ctx, id)
		if err != nil {
			n.logger.WarnContext(ctx, "lookup worker for notification", "worker_id", id, "error", err)
			continue
		}
		n.dispatcher.NotifyWorker(ctx, w, subject, body)
	}
	return nil
}

func humanStatus(s domain.TaskStatus) string {
	switch s {
	case domain.TaskAwaitingProcessing:
		return "awaiting processing"
	case domain.TaskProcessing:
		return "processing"
	case domain.TaskPendingReview:
		return "pending review"
	case domain.TaskReviewing:
		return "in review"
	case domain.TaskPostReviewProcessing:
		return "returned for revision"
	case domain.TaskComplete:
		return "complete"
	case domain.TaskAborted:
		return "aborted"
	default:
		return string(s)
	}
}
