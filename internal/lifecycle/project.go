package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ahrav/go-orchestra/internal/certification"
	"github.com/ahrav/go-orchestra/internal/domain"
	"github.com/ahrav/go-orchestra/internal/staffing"
	"github.com/ahrav/go-orchestra/internal/store"
)

// NewProject describes a project to create.
type NewProject struct {
	Workflow    string
	Version     string
	TaskClass   domain.TaskClass
	Priority    int
	Description string
	Data        map[string]any
}

// CreateProject creates the project and the tasks of every step without
// creation dependencies.
func (s *Service) CreateProject(ctx context.Context, in NewProject) (*domain.Project, error) {
	p, err := domain.NewProject(in.Workflow, in.Version, in.TaskClass, in.Data, s.now())
	if err != nil {
		return nil, err
	}
	if _, err := s.workflowOf(p); err != nil {
		return nil, err
	}
	p.Priority = in.Priority
	p.Description = in.Description

	attrs := []attribute.KeyValue{
		attribute.String("orchestra.project.id", p.ID),
		attribute.String("orchestra.workflow", in.Workflow+"@"+in.Version),
	}
	err = s.run(ctx, "create_project", "", attrs, func(ctx context.Context, tx store.Tx, fx *effects) error {
		fx.projectID = p.ID
		if err := tx.CreateProject(ctx, p); err != nil {
			return err
		}
		return s.advance(ctx, tx, p, fx, p.CreatedAt)
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "project created", "project_id", p.ID, "workflow", in.Workflow, "version", in.Version)
	return p.Clone(), nil
}

// AbortProject aborts every unfinished task of the project and marks it
// aborted. Aborting an aborted project is a no-op.
func (s *Service) AbortProject(ctx context.Context, projectID, actor string) error {
	attrs := []attribute.KeyValue{attribute.String("orchestra.project.id", projectID)}
	return s.run(ctx, "abort_project", actor, attrs, func(ctx context.Context, tx store.Tx, fx *effects) error {
		fx.projectID = projectID
		p, err := tx.GetProject(ctx, projectID)
		if err != nil {
			return err
		}
		switch p.Status {
		case domain.ProjectAborted:
			return nil
		case domain.ProjectCompleted:
			return fmt.Errorf("%w: %s", ErrProjectFinished, projectID)
		}

		tasks, err := tx.ListProjectTasks(ctx, projectID)
		if err != nil {
			return err
		}
		now := s.now()
		for _, t := range tasks {
			if t.Status.IsTerminal() {
				continue
			}
			if err := s.abortTask(ctx, tx, t.ID, actor, fx, now); err != nil {
				return err
			}
		}

		p.Status = domain.ProjectAborted
		p.UpdatedAt = now
		if err := tx.UpdateProject(ctx, p); err != nil {
			return err
		}
		fx.finished = p.Clone()
		return nil
	})
}

// advance creates the tasks whose creation dependencies are complete, routes
// each one by its step's policy, and completes the project once every step
// has a complete task.
func (s *Service) advance(ctx context.Context, tx store.Tx, p *domain.Project, fx *effects, now time.Time) error {
	if p.Status != domain.ProjectActive {
		return nil
	}
	wf, err := s.workflowOf(p)
	if err != nil {
		return err
	}
	tasks, err := tx.ListProjectTasks(ctx, p.ID)
	if err != nil {
		return err
	}

	ready := wf.ReadySteps(tasks)
	for _, step := range ready {
		t := domain.NewTask(p, step, now)
		staff := false
		switch {
		case !step.IsHuman:
			fx.machine = append(fx.machine, step.Slug)
		case step.AssignmentPolicy.Policy == domain.AssignManual:
		case step.AssignmentPolicy.Policy == domain.AssignPreviouslyCompletedSteps:
			assigned, err := s.assignPrevious(ctx, tx, t, step, tasks, now)
			if err != nil {
				return err
			}
			staff = !assigned
		default:
			staff = true
		}

		if err := tx.CreateTask(ctx, t); err != nil {
			return err
		}
		if t.Status != domain.TaskAwaitingProcessing {
			fx.changed(t, domain.TaskAwaitingProcessing, "")
		}
		if staff {
			fx.staff = append(fx.staff, staffCall{taskID: t.ID, role: domain.RoleEntryLevel})
		}
		tasks = append(tasks, t)
	}

	if len(ready) > 0 || !allComplete(wf, tasks) {
		return nil
	}
	p.Status = domain.ProjectCompleted
	p.UpdatedAt = now
	if err := tx.UpdateProject(ctx, p); err != nil {
		return err
	}
	fx.finished = p.Clone()
	return nil
}

// assignPrevious gives t to the worker who did the entry-level work of the
// first listed step, when that worker is still certified and below their
// cap. It reports whether t was assigned.
func (s *Service) assignPrevious(ctx context.Context, tx store.Tx, t *domain.Task, step *domain.Step, tasks []*domain.Task, now time.Time) (bool, error) {
	workerID := ""
	for _, slug := range step.AssignmentPolicy.Steps {
		for _, prior := range tasks {
			if prior.StepSlug != slug {
				continue
			}
			if a := prior.CurrentAssignment(0); a != nil && !a.IsMachine() {
				workerID = a.WorkerID
			}
		}
		if workerID != "" {
			break
		}
	}
	if workerID == "" {
		return false, nil
	}

	w, err := tx.GetWorker(ctx, workerID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !certification.IsWorkerCertifiedForTask(w, t, domain.RoleEntryLevel) {
		s.logger.InfoContext(ctx, "previous worker no longer certified", "worker_id", w.ID, "step", step.Slug)
		return false, nil
	}
	ok, err := s.gate.CheckWorkerAllowedNewAssignment(ctx, tx, w, t.Status)
	if err != nil || !ok {
		return false, err
	}
	if _, _, err := t.Assign(w.ID, now); err != nil {
		return false, err
	}
	return true, nil
}

func allComplete(wf *domain.WorkflowVersion, tasks []*domain.Task) bool {
	done := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t.Status == domain.TaskComplete {
			done[t.StepSlug] = true
		}
	}
	for _, step := range wf.Steps {
		if !done[step.Slug] {
			return false
		}
	}
	return true
}

// abortTask aborts one task under lock and expires its staffing requests.
func (s *Service) abortTask(ctx context.Context, tx store.Tx, taskID, actor string, fx *effects, now time.Time) error {
	t, err := tx.LockTask(ctx, taskID)
	if err != nil {
		return err
	}
	prev, err := t.Abort(now)
	if err != nil {
		return err
	}
	if err := tx.UpdateTask(ctx, t); err != nil {
		return err
	}
	if err := staffing.ExpireOpenRequests(ctx, tx, t.ID, now); err != nil {
		return err
	}
	fx.changed(t, prev, actor)
	return nil
}
