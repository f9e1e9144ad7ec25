// Package lifecycle owns every task transition of a project: claiming,
// submitting, reviewing, aborting and machine-step execution. Each operation
// runs in one store transaction; events, notifications, staffing requests
// and machine-step scheduling follow after commit and never roll it back.
//
// The orchestra binary serves only the staffing accept/reject links; the
// embedding application calls CreateProject, ClaimTask, SubmitTask,
// ReviewTask, AbortTask and AbortProject directly.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/go-orchestra/internal/config"
	"github.com/ahrav/go-orchestra/internal/domain"
	"github.com/ahrav/go-orchestra/internal/gatekeeper"
	"github.com/ahrav/go-orchestra/internal/machine"
	"github.com/ahrav/go-orchestra/internal/scheduler"
	"github.com/ahrav/go-orchestra/internal/staffing"
	"github.com/ahrav/go-orchestra/internal/store"
	"github.com/ahrav/go-orchestra/internal/taskevent"
	"github.com/ahrav/go-orchestra/pkg/events"
)

const tracerName = "github.com/ahrav/go-orchestra/internal/lifecycle"

var (
	// ErrSubmissionBlocked is returned when a step's submission dependencies
	// are not complete yet.
	ErrSubmissionBlocked = errors.New("orchestra/lifecycle: submission dependencies incomplete")

	// ErrUnknownWorkflow is returned for a workflow version missing from the catalog.
	ErrUnknownWorkflow = errors.New("orchestra/lifecycle: unknown workflow version")

	// ErrWrongStepKind is returned when a human operation targets a machine
	// step or the reverse.
	ErrWrongStepKind = errors.New("orchestra/lifecycle: operation does not apply to this step kind")

	// ErrProjectFinished is returned when aborting a completed project.
	ErrProjectFinished = errors.New("orchestra/lifecycle: project already finished")
)

// Staffer sends staffing requests; *staffing.Engine satisfies it.
type Staffer interface {
	SendStaffingRequest(ctx context.Context, taskID string, role domain.Role, cause domain.RequestCause) (*domain.StaffingRequest, error)
}

// Service runs lifecycle operations.
type Service struct {
	store     store.Store
	catalog   *domain.Catalog
	gate      *gatekeeper.Gatekeeper
	features  config.Features
	staffer   Staffer
	scheduler scheduler.Scheduler
	machines  *machine.Registry
	sink      events.EventSink
	emitter   *taskevent.Emitter
	sample    func() float64
	tracer    trace.Tracer
	logger    *slog.Logger
	now       func() time.Time
}

var _ scheduler.Executor = (*Service)(nil)

// Option configures a Service.
type Option func(*Service)

// WithStaffer sets where automatic staffing requests go. Without one,
// tasks are left for self-claim.
func WithStaffer(s Staffer) Option {
	return func(svc *Service) { svc.staffer = s }
}

// WithMachines sets the machine function registry.
func WithMachines(r *machine.Registry) Option {
	return func(svc *Service) { svc.machines = r }
}

// WithEventSink sets where status change events go.
func WithEventSink(sink events.EventSink) Option {
	return func(svc *Service) { svc.sink = sink }
}

// WithSampler overrides the review sampling source; it must return values
// in [0,1).
func WithSampler(sample func() float64) Option {
	return func(svc *Service) { svc.sample = sample }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(svc *Service) { svc.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(svc *Service) { svc.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(svc *Service) { svc.now = now }
}

// New creates a Service. Machine steps run synchronously until UseScheduler
// installs another strategy.
func New(s store.Store, catalog *domain.Catalog, gate *gatekeeper.Gatekeeper, features config.Features, opts ...Option) *Service {
	svc := &Service{
		store:    s,
		catalog:  catalog,
		gate:     gate,
		features: features,
		machines: machine.NewRegistry(),
		sample:   rand.Float64,
		tracer:   otel.Tracer(tracerName),
		logger:   slog.Default().With("component", "lifecycle"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	svc.emitter = taskevent.NewEmitter(svc.sink, "lifecycle", svc.logger)
	svc.scheduler = scheduler.NewSynchronous(svc, scheduler.WithLogger(svc.logger), scheduler.WithTracer(svc.tracer))
	return svc
}

// UseScheduler installs the machine-step scheduler. Schedulers execute
// through the Service, so they are built after it.
func (s *Service) UseScheduler(sch scheduler.Scheduler) {
	if sch != nil {
		s.scheduler = sch
	}
}

// staffCall is a staffing request to send after commit.
type staffCall struct {
	taskID string
	role   domain.Role
}

// effects collects what an operation does after its transaction commits.
type effects struct {
	projectID string
	changes   []taskevent.Change
	staff     []staffCall
	machine   []string
	finished  *domain.Project
}

func (fx *effects) changed(t *domain.Task, prev domain.TaskStatus, actor string) {
	fx.changes = append(fx.changes, taskevent.Change{Task: t.Clone(), Previous: prev, Actor: actor})
}

// run executes fn in a transaction under a span and applies its effects
// once the transaction committed.
func (s *Service) run(ctx context.Context, op, actor string, attrs []attribute.KeyValue, fn func(ctx context.Context, tx store.Tx, fx *effects) error) error {
	ctx, span := s.tracer.Start(ctx, "lifecycle."+op, trace.WithAttributes(attrs...))
	defer span.End()

	var fx *effects
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		fx = &effects{}
		return fn(ctx, tx, fx)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.DebugContext(ctx, "lifecycle operation rejected", "op", op, "error", err)
		return err
	}

	s.apply(ctx, actor, fx)
	return nil
}

// apply performs post-commit effects. Failures are logged only.
func (s *Service) apply(ctx context.Context, actor string, fx *effects) {
	s.emitter.StatusChanged(ctx, fx.changes...)
	if fx.finished != nil {
		s.emitter.ProjectFinished(ctx, fx.finished, actor)
		s.logger.InfoContext(ctx, "project finished", "project_id", fx.finished.ID, "status", fx.finished.Status)
	}

	for _, c := range fx.staff {
		s.autostaff(ctx, c)
	}
	for _, slug := range fx.machine {
		if err := s.scheduler.Schedule(ctx, fx.projectID, slug); err != nil {
			s.logger.ErrorContext(ctx, "schedule machine step",
				"project_id", fx.projectID, "step", slug, "error", err)
		}
	}
}

func (s *Service) autostaff(ctx context.Context, c staffCall) {
	if !s.features.AutoStaff || s.staffer == nil {
		return
	}
	_, err := s.staffer.SendStaffingRequest(ctx, c.taskID, c.role, domain.CauseAutostaff)
	switch {
	case err == nil:
	case errors.Is(err, staffing.ErrNoEligibleWorkers):
		s.logger.WarnContext(ctx, "no eligible workers to autostaff", "task_id", c.taskID, "role", c.role.String())
	default:
		s.logger.ErrorContext(ctx, "autostaff task", "task_id", c.taskID, "role", c.role.String(), "error", err)
	}
}

// workflowOf resolves a project's workflow version.
func (s *Service) workflowOf(p *domain.Project) (*domain.WorkflowVersion, error) {
	wf, ok := s.catalog.Lookup(p.WorkflowSlug, p.WorkflowVersion)
	if !ok {
		return nil, fmt.Errorf("%w: %s@%s", ErrUnknownWorkflow, p.WorkflowSlug, p.WorkflowVersion)
	}
	return wf, nil
}

// stepOf resolves the project and step definition of a task.
func (s *Service) stepOf(ctx context.Context, r store.Reader, t *domain.Task) (*domain.Project, *domain.Step, error) {
	p, err := r.GetProject(ctx, t.ProjectID)
	if err != nil {
		return nil, nil, err
	}
	wf, err := s.workflowOf(p)
	if err != nil {
		return nil, nil, err
	}
	step, ok := wf.Step(t.StepSlug)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s in %s", domain.ErrUnknownStep, t.StepSlug, wf.Key())
	}
	return p, step, nil
}
