package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-orchestra/internal/config"
	"github.com/ahrav/go-orchestra/internal/domain"
	"github.com/ahrav/go-orchestra/internal/gatekeeper"
	"github.com/ahrav/go-orchestra/internal/machine"
	"github.com/ahrav/go-orchestra/internal/notify"
	"github.com/ahrav/go-orchestra/internal/staffing"
	"github.com/ahrav/go-orchestra/internal/store"
	"github.com/ahrav/go-orchestra/internal/store/memory"
	"github.com/ahrav/go-orchestra/internal/taskevent"
	"github.com/ahrav/go-orchestra/pkg/events"
)

var t0 = time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)

func testCatalog(t *testing.T) *domain.Catalog {
	t.Helper()
	c, err := domain.NewCatalog(
		domain.WorkflowVersion{
			Workflow: "article",
			Version:  "v1",
			Steps: []domain.Step{
				{
					Slug:                   "write",
					IsHuman:                true,
					RequiredCertifications: []string{"writing"},
					AssignmentPolicy:       domain.AssignmentPolicy{Policy: domain.AssignAnyoneCertified},
					ReviewPolicy:           domain.ReviewPolicy{Policy: domain.ReviewSampled, Rate: 0.5},
				},
				{
					Slug:              "format",
					ExecutionFunction: "format",
					CreationDependsOn: []string{"write"},
				},
				{
					Slug:                   "publish",
					IsHuman:                true,
					RequiredCertifications: []string{"writing"},
					CreationDependsOn:      []string{"format"},
					AssignmentPolicy: domain.AssignmentPolicy{
						Policy: domain.AssignPreviouslyCompletedSteps,
						Steps:  []string{"write"},
					},
				},
			},
		},
		domain.WorkflowVersion{
			Workflow: "brief",
			Version:  "v1",
			Steps: []domain.Step{
				{Slug: "research", IsHuman: true, RequiredCertifications: []string{"writing"}},
				{Slug: "summary", IsHuman: true, RequiredCertifications: []string{"writing"}, SubmissionDependsOn: []string{"research"}},
			},
		},
	)
	require.NoError(t, err)
	return c
}

func worker(id string, role domain.Role) *domain.Worker {
	return &domain.Worker{
		ID:       id,
		Username: id,
		Email:    id + "@example.com",
		Certifications: []domain.WorkerCertification{
			{Certification: "writing", TaskClass: domain.TaskClassReal, Role: role, GrantedAt: t0},
		},
		CreatedAt: t0,
	}
}

type fixture struct {
	store   *memory.Store
	svc     *Service
	engine  *staffing.Engine
	sink    *events.MemorySink
	sample  float64
	failing bool
}

func newFixture(t *testing.T, limit int) *fixture {
	t.Helper()
	return newFixtureWithNotifier(t, limit, nil)
}

// newFixtureWithNotifier routes staffing offers and status change
// notifications through d. A nil d records offers in memory.
func newFixtureWithNotifier(t *testing.T, limit int, d *notify.Dispatcher) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{store: memory.New(), sink: events.NewMemorySink(), sample: 0.9}

	require.NoError(t, f.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, w := range []*domain.Worker{
			worker("alice", domain.RoleEntryLevel),
			worker("bob", domain.RoleReviewer),
			worker("carol", domain.RoleEntryLevel),
			{ID: "dave", Username: "dave", CreatedAt: t0},
		} {
			if err := tx.SaveWorker(ctx, w); err != nil {
				return err
			}
		}
		return nil
	}))

	machines := machine.NewRegistry()
	machines.MustRegister("format", machine.StepFunc(func(_ context.Context, in machine.Input) (map[string]any, error) {
		if f.failing {
			return nil, errors.New("formatter unavailable")
		}
		body, _ := in.Prerequisites["write"]["body"].(string)
		return map[string]any{"formatted": strings.ToUpper(body)}, nil
	}))

	features := config.Features{Email: true, AutoStaff: true}
	gate := gatekeeper.New(limit)
	clock := func() time.Time { return t0 }
	var (
		notifier notify.Notifier = notify.NewRecorder(64)
		sink     events.EventSink = f.sink
	)
	if d != nil {
		notifier = d
		sink = events.MultiSink{f.sink, notify.NewStatusChangeNotifier(d, f.store)}
	}
	f.engine = staffing.New(f.store, gate, features,
		staffing.WithNotifier(notifier),
		staffing.WithEventSink(sink),
		staffing.WithClock(clock),
	)
	f.svc = New(f.store, testCatalog(t), gate, features,
		WithStaffer(f.engine),
		WithMachines(machines),
		WithEventSink(sink),
		WithSampler(func() float64 { return f.sample }),
		WithClock(clock),
	)
	return f
}

func (f *fixture) create(t *testing.T, workflow string) *domain.Project {
	t.Helper()
	p, err := f.svc.CreateProject(context.Background(), NewProject{
		Workflow:  workflow,
		Version:   "v1",
		TaskClass: domain.TaskClassReal,
		Data:      map[string]any{"topic": "go"},
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) task(t *testing.T, projectID, step string) *domain.Task {
	t.Helper()
	task, err := f.store.GetTaskByStep(context.Background(), projectID, step)
	require.NoError(t, err)
	return task
}

func (f *fixture) project(t *testing.T, id string) *domain.Project {
	t.Helper()
	p, err := f.store.GetProject(context.Background(), id)
	require.NoError(t, err)
	return p
}

func (f *fixture) requests(t *testing.T, taskID string) []*domain.StaffingRequest {
	t.Helper()
	reqs, err := f.store.ListStaffingRequests(context.Background(), taskID)
	require.NoError(t, err)
	return reqs
}

// inquiryFor finds the worker's inquiry on the task's request for role.
func (f *fixture) inquiryFor(t *testing.T, taskID string, role domain.Role, workerID string) *domain.StaffingRequestInquiry {
	t.Helper()
	inq, err := f.findInquiry(context.Background(), taskID, role, workerID)
	require.NoError(t, err)
	return inq
}

func (f *fixture) findInquiry(ctx context.Context, taskID string, role domain.Role, workerID string) (*domain.StaffingRequestInquiry, error) {
	reqs, err := f.store.ListStaffingRequests(ctx, taskID)
	if err != nil {
		return nil, err
	}
	for _, req := range reqs {
		if req.RequiredRole != role {
			continue
		}
		inqs, err := f.store.ListInquiries(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		for _, inq := range inqs {
			if inq.WorkerID == workerID {
				return inq, nil
			}
		}
	}
	return nil, fmt.Errorf("no %s inquiry for %s on task %s", role, workerID, taskID)
}

func (f *fixture) statusEvents(t *testing.T) []taskevent.StatusChanged {
	t.Helper()
	var out []taskevent.StatusChanged
	for _, env := range f.sink.OfType(taskevent.TypeStatusChanged) {
		ev, err := taskevent.Decode(env)
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func TestCreateProject_CreatesRootTasksAndAutostaffs(t *testing.T) {
	f := newFixture(t, 0)
	p := f.create(t, "article")

	tasks, err := f.store.ListProjectTasks(context.Background(), p.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "write", tasks[0].StepSlug)
	assert.Equal(t, domain.TaskAwaitingProcessing, tasks[0].Status)
	assert.Equal(t, domain.ProjectActive, f.project(t, p.ID).Status)

	reqs := f.requests(t, tasks[0].ID)
	require.Len(t, reqs, 1)
	assert.Equal(t, domain.RoleEntryLevel, reqs[0].RequiredRole)
	assert.Equal(t, domain.CauseAutostaff, reqs[0].Cause)
	assert.Equal(t, domain.RequestOpen, reqs[0].Status)
}

func TestCreateProject_UnknownWorkflow(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.svc.CreateProject(context.Background(), NewProject{Workflow: "nope", Version: "v1", TaskClass: domain.TaskClassReal})
	assert.ErrorIs(t, err, ErrUnknownWorkflow)
}

func TestClaimTask(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	p := f.create(t, "article")
	write := f.task(t, p.ID, "write")

	_, err := f.svc.ClaimTask(ctx, write.ID, "dave")
	assert.ErrorIs(t, err, staffing.ErrNotCertified)

	a, err := f.svc.ClaimTask(ctx, write.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", a.WorkerID)
	assert.Equal(t, 0, a.Tier)
	assert.Equal(t, domain.TaskProcessing, f.task(t, p.ID, "write").Status)

	reqs := f.requests(t, write.ID)
	require.Len(t, reqs, 1)
	assert.Equal(t, domain.RequestClosed, reqs[0].Status)
	assert.False(t, reqs[0].IsResolved())
	assert.Equal(t, domain.InquiryExpired, f.inquiryFor(t, write.ID, domain.RoleEntryLevel, "carol").Status)

	_, err = f.svc.ClaimTask(ctx, write.ID, "carol")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	evs := f.statusEvents(t)
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.Equal(t, domain.TaskAwaitingProcessing, last.PreviousStatus)
	assert.Equal(t, domain.TaskProcessing, last.NewStatus)
	assert.Equal(t, "alice", last.Actor)
}

func TestClaimTask_AssignmentLimit(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	first := f.create(t, "article")
	second := f.create(t, "article")

	_, err := f.svc.ClaimTask(ctx, f.task(t, first.ID, "write").ID, "alice")
	require.NoError(t, err)

	_, err = f.svc.ClaimTask(ctx, f.task(t, second.ID, "write").ID, "alice")
	assert.ErrorIs(t, err, gatekeeper.ErrAssignmentLimitReached)
	assert.Equal(t, domain.TaskAwaitingProcessing, f.task(t, second.ID, "write").Status)
}

func TestArticle_WithoutReview_RunsToCompletion(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	p := f.create(t, "article")
	write := f.task(t, p.ID, "write")

	_, err := f.svc.ClaimTask(ctx, write.ID, "alice")
	require.NoError(t, err)
	saved, err := f.svc.SaveProgress(ctx, write.ID, "alice", map[string]any{"body": "half"})
	require.NoError(t, err)
	assert.Equal(t, "half", saved.InProgressTaskData["body"])

	status, err := f.svc.SubmitTask(ctx, write.ID, "alice", map[string]any{"body": "draft"})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskComplete, status)

	format := f.task(t, p.ID, "format")
	assert.Equal(t, domain.TaskComplete, format.Status)
	require.Len(t, format.Assignments, 1)
	assert.True(t, format.Assignments[0].IsMachine())
	assert.Equal(t, map[string]any{"formatted": "DRAFT"}, format.LatestData())

	publish := f.task(t, p.ID, "publish")
	assert.Equal(t, domain.TaskProcessing, publish.Status)
	require.NotNil(t, publish.CurrentAssignment(0))
	assert.Equal(t, "alice", publish.CurrentAssignment(0).WorkerID)
	assert.Empty(t, f.requests(t, publish.ID))

	status, err = f.svc.SubmitTask(ctx, publish.ID, "alice", map[string]any{"url": "https://example.com/go"})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskComplete, status)
	assert.Equal(t, domain.ProjectCompleted, f.project(t, p.ID).Status)

	finished := f.sink.OfType(taskevent.TypeProjectFinished)
	require.Len(t, finished, 1)
	assert.Equal(t, p.ID, finished[0].Subject)
}

func TestArticle_ReviewRejectThenApprove(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	p := f.create(t, "article")
	write := f.task(t, p.ID, "write")

	_, err := f.svc.ClaimTask(ctx, write.ID, "alice")
	require.NoError(t, err)

	f.sample = 0.1
	status, err := f.svc.SubmitTask(ctx, write.ID, "alice", map[string]any{"body": "draft"})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPendingReview, status)

	inq := f.inquiryFor(t, write.ID, domain.RoleReviewer, "bob")
	res, err := f.engine.HandleStaffingResponse(ctx, "bob", inq.ID, true)
	require.NoError(t, err)
	require.True(t, res.IsWinner)
	assert.Equal(t, 1, res.Assignment.Tier)
	assert.Equal(t, "draft", res.Assignment.InProgressTaskData["body"])

	status, err = f.svc.ReviewTask(ctx, write.ID, "bob", false, map[string]any{"body": "draft", "note": "tighten"})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPostReviewProcessing, status)

	_, err = f.svc.ReviewTask(ctx, write.ID, "bob", true, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	status, err = f.svc.SubmitTask(ctx, write.ID, "alice", map[string]any{"body": "final"})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskReviewing, status)

	revised := f.task(t, p.ID, "write")
	counters := map[int]bool{}
	for _, a := range revised.Assignments {
		if a.WorkerID == "alice" {
			counters[a.AssignmentCounter] = true
		}
	}
	assert.Equal(t, map[int]bool{0: true, 1: true}, counters)

	status, err = f.svc.ReviewTask(ctx, write.ID, "bob", true, map[string]any{"body": "final"})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskComplete, status)
	assert.Equal(t, domain.TaskComplete, f.task(t, p.ID, "format").Status)
}

func TestArticle_ApprovedReviewerEditsFeedDependentSteps(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	p := f.create(t, "article")
	write := f.task(t, p.ID, "write")

	_, err := f.svc.ClaimTask(ctx, write.ID, "alice")
	require.NoError(t, err)
	f.sample = 0.1
	_, err = f.svc.SubmitTask(ctx, write.ID, "alice", map[string]any{"body": "draft"})
	require.NoError(t, err)
	_, err = f.engine.HandleStaffingResponse(ctx, "bob", f.inquiryFor(t, write.ID, domain.RoleReviewer, "bob").ID, true)
	require.NoError(t, err)
	_, err = f.svc.ReviewTask(ctx, write.ID, "bob", false, nil)
	require.NoError(t, err)
	_, err = f.svc.SubmitTask(ctx, write.ID, "alice", map[string]any{"body": "final"})
	require.NoError(t, err)

	status, err := f.svc.ReviewTask(ctx, write.ID, "bob", true, map[string]any{"body": "edited"})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskComplete, status)

	assert.Equal(t, "edited", f.task(t, p.ID, "write").LatestData()["body"])
	format := f.task(t, p.ID, "format")
	assert.Equal(t, domain.TaskComplete, format.Status)
	assert.Equal(t, map[string]any{"formatted": "EDITED"}, format.LatestData())
}

// stalledSender blocks every delivery until release is closed.
type stalledSender struct {
	started chan struct{}
	release chan struct{}
}

func (s *stalledSender) Send(ctx context.Context, _ notify.Message) error {
	s.started <- struct{}{}
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestRequestPath_DoesNotWaitForNotificationDelivery(t *testing.T) {
	s := &stalledSender{started: make(chan struct{}, 64), release: make(chan struct{})}
	d := notify.NewDispatcher(config.Features{Email: true},
		notify.WithSender(notify.ChannelEmail, s),
		notify.WithQueue(64, 1),
		notify.WithSendTimeout(time.Hour),
	)
	f := newFixtureWithNotifier(t, 0, d)
	defer func() {
		close(s.release)
		require.NoError(t, d.Close())
	}()
	ctx := context.Background()

	p := f.create(t, "article")
	<-s.started
	write := f.task(t, p.ID, "write")
	f.sample = 0.1

	done := make(chan error, 1)
	go func() {
		done <- func() error {
			if _, err := f.svc.ClaimTask(ctx, write.ID, "alice"); err != nil {
				return err
			}
			if _, err := f.svc.SubmitTask(ctx, write.ID, "alice", map[string]any{"body": "draft"}); err != nil {
				return err
			}
			inq, err := f.findInquiry(ctx, write.ID, domain.RoleReviewer, "bob")
			if err != nil {
				return err
			}
			if _, err := f.engine.HandleStaffingResponse(ctx, "bob", inq.ID, true); err != nil {
				return err
			}
			_, err = f.svc.ReviewTask(ctx, write.ID, "bob", false, nil)
			return err
		}()
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("request path blocked on a stalled sender")
	}
	assert.Equal(t, domain.TaskPostReviewProcessing, f.task(t, p.ID, "write").Status)
}

func TestSubmitTask_InvalidCallsLeaveStateUnchanged(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	p := f.create(t, "article")
	write := f.task(t, p.ID, "write")

	_, err := f.svc.SubmitTask(ctx, write.ID, "alice", map[string]any{"body": "early"})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = f.svc.ClaimTask(ctx, write.ID, "alice")
	require.NoError(t, err)

	_, err = f.svc.SubmitTask(ctx, write.ID, "carol", map[string]any{"body": "not mine"})
	assert.ErrorIs(t, err, domain.ErrNotAssigned)

	_, err = f.svc.ReviewTask(ctx, write.ID, "bob", true, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	got := f.task(t, p.ID, "write")
	assert.Equal(t, domain.TaskProcessing, got.Status)
	require.Len(t, got.Assignments, 1)
	assert.Equal(t, domain.AssignmentProcessing, got.Assignments[0].Status)
}

func TestSubmitTask_SubmissionDependencies(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	p := f.create(t, "brief")
	research := f.task(t, p.ID, "research")
	summary := f.task(t, p.ID, "summary")

	_, err := f.svc.ClaimTask(ctx, research.ID, "alice")
	require.NoError(t, err)
	_, err = f.svc.ClaimTask(ctx, summary.ID, "carol")
	require.NoError(t, err)

	_, err = f.svc.SubmitTask(ctx, summary.ID, "carol", map[string]any{"text": "tl;dr"})
	require.ErrorIs(t, err, ErrSubmissionBlocked)
	assert.Equal(t, domain.TaskProcessing, f.task(t, p.ID, "summary").Status)

	_, err = f.svc.SubmitTask(ctx, research.ID, "alice", map[string]any{"notes": "sources"})
	require.NoError(t, err)

	status, err := f.svc.SubmitTask(ctx, summary.ID, "carol", map[string]any{"text": "tl;dr"})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskComplete, status)
	assert.Equal(t, domain.ProjectCompleted, f.project(t, p.ID).Status)
}

func TestAbortTask_ExpiresRequests(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	p := f.create(t, "article")
	write := f.task(t, p.ID, "write")

	require.NoError(t, f.svc.AbortTask(ctx, write.ID, "ops"))
	assert.Equal(t, domain.TaskAborted, f.task(t, p.ID, "write").Status)

	reqs := f.requests(t, write.ID)
	require.Len(t, reqs, 1)
	assert.Equal(t, domain.RequestClosed, reqs[0].Status)
	assert.Equal(t, domain.InquiryExpired, f.inquiryFor(t, write.ID, domain.RoleEntryLevel, "alice").Status)

	err := f.svc.AbortTask(ctx, write.ID, "ops")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	res, err := f.engine.HandleStaffingResponse(ctx, "alice", f.inquiryFor(t, write.ID, domain.RoleEntryLevel, "alice").ID, true)
	require.NoError(t, err)
	assert.False(t, res.IsWinner)
}

func TestAbortProject(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	p := f.create(t, "brief")
	_, err := f.svc.ClaimTask(ctx, f.task(t, p.ID, "research").ID, "alice")
	require.NoError(t, err)

	require.NoError(t, f.svc.AbortProject(ctx, p.ID, "ops"))
	assert.Equal(t, domain.ProjectAborted, f.project(t, p.ID).Status)
	assert.Equal(t, domain.TaskAborted, f.task(t, p.ID, "research").Status)
	assert.Equal(t, domain.TaskAborted, f.task(t, p.ID, "summary").Status)
	require.Len(t, f.sink.OfType(taskevent.TypeProjectFinished), 1)

	require.NoError(t, f.svc.AbortProject(ctx, p.ID, "ops"))
	assert.Len(t, f.sink.OfType(taskevent.TypeProjectFinished), 1)

	_, err = f.svc.SubmitTask(ctx, f.task(t, p.ID, "research").ID, "alice", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestAbortProject_Completed(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	p := f.create(t, "brief")
	for step, w := range map[string]string{"research": "alice", "summary": "carol"} {
		_, err := f.svc.ClaimTask(ctx, f.task(t, p.ID, step).ID, w)
		require.NoError(t, err)
	}
	_, err := f.svc.SubmitTask(ctx, f.task(t, p.ID, "research").ID, "alice", nil)
	require.NoError(t, err)
	_, err = f.svc.SubmitTask(ctx, f.task(t, p.ID, "summary").ID, "carol", nil)
	require.NoError(t, err)

	err = f.svc.AbortProject(ctx, p.ID, "ops")
	assert.ErrorIs(t, err, ErrProjectFinished)
}

func TestMachineStep_FailureThenRetry(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	p := f.create(t, "article")
	write := f.task(t, p.ID, "write")
	_, err := f.svc.ClaimTask(ctx, write.ID, "alice")
	require.NoError(t, err)

	f.failing = true
	status, err := f.svc.SubmitTask(ctx, write.ID, "alice", map[string]any{"body": "draft"})
	require.NoError(t, err, "scheduling failures do not fail the submission")
	assert.Equal(t, domain.TaskComplete, status)

	format := f.task(t, p.ID, "format")
	assert.Equal(t, domain.TaskProcessing, format.Status)
	require.Len(t, format.Assignments, 1)
	assert.Equal(t, domain.AssignmentFailed, format.Assignments[0].Status)

	_, err = f.svc.ClaimTask(ctx, format.ID, "alice")
	assert.ErrorIs(t, err, ErrWrongStepKind)

	f.failing = false
	require.NoError(t, f.svc.ExecuteMachineStep(ctx, p.ID, "format"))

	format = f.task(t, p.ID, "format")
	assert.Equal(t, domain.TaskComplete, format.Status)
	require.Len(t, format.Assignments, 2)
	assert.Equal(t, 1, format.Assignments[1].AssignmentCounter)
	assert.Equal(t, "DRAFT", format.LatestData()["formatted"])

	require.NoError(t, f.svc.ExecuteMachineStep(ctx, p.ID, "format"), "finished steps are skipped")
	assert.Len(t, f.task(t, p.ID, "format").Assignments, 2)
	require.NoError(t, f.svc.FailMachineStep(ctx, p.ID, "format", "late"))
	assert.Equal(t, domain.TaskComplete, f.task(t, p.ID, "format").Status)
}

func TestMachineStep_RedeliveryReusesRunningAttempt(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	var logs bytes.Buffer
	f.svc.logger = slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	p := f.create(t, "article")
	write := f.task(t, p.ID, "write")
	_, err := f.svc.ClaimTask(ctx, write.ID, "alice")
	require.NoError(t, err)
	f.failing = true
	_, err = f.svc.SubmitTask(ctx, write.ID, "alice", map[string]any{"body": "draft"})
	require.NoError(t, err)

	// Another delivery holds a running attempt.
	formatID := f.task(t, p.ID, "format").ID
	require.NoError(t, f.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		format, err := tx.LockTask(ctx, formatID)
		if err != nil {
			return err
		}
		if _, _, err := format.AssignMachine(t0); err != nil {
			return err
		}
		return tx.UpdateTask(ctx, format)
	}))

	f.failing = false
	require.NoError(t, f.svc.ExecuteMachineStep(ctx, p.ID, "format"))

	format := f.task(t, p.ID, "format")
	assert.Equal(t, domain.TaskComplete, format.Status)
	assert.Len(t, format.Assignments, 2, "the running attempt is reused rather than duplicated")
	assert.Contains(t, logs.String(), "reusing running machine attempt")
}

func TestMachineStep_HumanStepRejected(t *testing.T) {
	f := newFixture(t, 0)
	p := f.create(t, "article")
	err := f.svc.ExecuteMachineStep(context.Background(), p.ID, "write")
	assert.ErrorIs(t, err, ErrWrongStepKind)
}

func TestPreviouslyCompletedSteps_FallsBackToStaffing(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	p := f.create(t, "article")
	write := f.task(t, p.ID, "write")
	_, err := f.svc.ClaimTask(ctx, write.ID, "alice")
	require.NoError(t, err)

	f.failing = true
	_, err = f.svc.SubmitTask(ctx, write.ID, "alice", map[string]any{"body": "draft"})
	require.NoError(t, err)

	require.NoError(t, f.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		w, err := tx.GetWorker(ctx, "alice")
		if err != nil {
			return err
		}
		w.Certifications = nil
		return tx.SaveWorker(ctx, w)
	}))

	f.failing = false
	require.NoError(t, f.svc.ExecuteMachineStep(ctx, p.ID, "format"))

	publish := f.task(t, p.ID, "publish")
	assert.Equal(t, domain.TaskAwaitingProcessing, publish.Status)
	reqs := f.requests(t, publish.ID)
	require.Len(t, reqs, 1)
	assert.Equal(t, domain.RoleEntryLevel, reqs[0].RequiredRole)
}

func TestAutoStaffDisabled(t *testing.T) {
	f := newFixture(t, 0)
	f.svc.features.AutoStaff = false
	p := f.create(t, "article")
	assert.Empty(t, f.requests(t, f.task(t, p.ID, "write").ID))
}
