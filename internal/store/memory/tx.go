package memory

import (
	"context"
	"fmt"

	"github.com/ahrav/go-orchestra/internal/domain"
	"github.com/ahrav/go-orchestra/internal/store"
)

// tx is the handle passed to RunInTx callbacks. The enclosing RunInTx holds
// txMu, so lock methods are plain reads.
type tx struct {
	s *Store
}

func (t *tx) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	return t.s.GetProject(ctx, id)
}

func (t *tx) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	return t.s.GetTask(ctx, id)
}

func (t *tx) GetTaskByStep(ctx context.Context, projectID, stepSlug string) (*domain.Task, error) {
	return t.s.GetTaskByStep(ctx, projectID, stepSlug)
}

func (t *tx) ListProjectTasks(ctx context.Context, projectID string) ([]*domain.Task, error) {
	return t.s.ListProjectTasks(ctx, projectID)
}

func (t *tx) GetWorker(ctx context.Context, id string) (*domain.Worker, error) {
	return t.s.GetWorker(ctx, id)
}

func (t *tx) ListWorkers(ctx context.Context) ([]*domain.Worker, error) {
	return t.s.ListWorkers(ctx)
}

func (t *tx) CountActiveAssignments(ctx context.Context, workerID string) (int, error) {
	return t.s.CountActiveAssignments(ctx, workerID)
}

func (t *tx) GetStaffingRequest(ctx context.Context, id string) (*domain.StaffingRequest, error) {
	return t.s.GetStaffingRequest(ctx, id)
}

func (t *tx) ListStaffingRequests(ctx context.Context, taskID string) ([]*domain.StaffingRequest, error) {
	return t.s.ListStaffingRequests(ctx, taskID)
}

func (t *tx) GetInquiry(ctx context.Context, id string) (*domain.StaffingRequestInquiry, error) {
	return t.s.GetInquiry(ctx, id)
}

func (t *tx) ListInquiries(ctx context.Context, requestID string) ([]*domain.StaffingRequestInquiry, error) {
	return t.s.ListInquiries(ctx, requestID)
}

func (t *tx) LockTask(ctx context.Context, id string) (*domain.Task, error) {
	return t.s.GetTask(ctx, id)
}

func (t *tx) LockStaffingRequest(ctx context.Context, id string) (*domain.StaffingRequest, error) {
	return t.s.GetStaffingRequest(ctx, id)
}

// ──────────────────────────────────────────────────
// Writer
// ──────────────────────────────────────────────────

func (t *tx) CreateProject(_ context.Context, p *domain.Project) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, exists := t.s.data.projects[p.ID]; exists {
		return fmt.Errorf("project %s: %w", p.ID, store.ErrConflict)
	}
	t.s.data.projects[p.ID] = p.Clone()
	return nil
}

func (t *tx) UpdateProject(_ context.Context, p *domain.Project) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, exists := t.s.data.projects[p.ID]; !exists {
		return fmt.Errorf("project %s: %w", p.ID, store.ErrNotFound)
	}
	t.s.data.projects[p.ID] = p.Clone()
	return nil
}

func (t *tx) CreateTask(_ context.Context, task *domain.Task) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, exists := t.s.data.tasks[task.ID]; exists {
		return fmt.Errorf("task %s: %w", task.ID, store.ErrConflict)
	}
	for _, other := range t.s.data.tasks {
		if other.ProjectID == task.ProjectID && other.StepSlug == task.StepSlug {
			return fmt.Errorf("task for step %s of project %s: %w", task.StepSlug, task.ProjectID, store.ErrConflict)
		}
	}
	if err := checkAssignments(task); err != nil {
		return err
	}
	t.s.data.tasks[task.ID] = task.Clone()
	return nil
}

func (t *tx) UpdateTask(_ context.Context, task *domain.Task) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, exists := t.s.data.tasks[task.ID]; !exists {
		return fmt.Errorf("task %s: %w", task.ID, store.ErrNotFound)
	}
	if err := checkAssignments(task); err != nil {
		return err
	}
	t.s.data.tasks[task.ID] = task.Clone()
	return nil
}

// checkAssignments enforces unique (task, worker, assignment_counter).
func checkAssignments(task *domain.Task) error {
	type key struct {
		worker  string
		counter int
	}
	seen := make(map[key]bool, len(task.Assignments))
	for _, a := range task.Assignments {
		if a.WorkerID == "" {
			continue
		}
		k := key{a.WorkerID, a.AssignmentCounter}
		if seen[k] {
			return fmt.Errorf("assignment %d of worker %s on task %s: %w", a.AssignmentCounter, a.WorkerID, task.ID, store.ErrConflict)
		}
		seen[k] = true
	}
	return nil
}

func (t *tx) SaveWorker(_ context.Context, w *domain.Worker) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.data.workers[w.ID] = w.Clone()
	return nil
}

func (t *tx) CreateStaffingRequest(_ context.Context, r *domain.StaffingRequest, inquiries []*domain.StaffingRequestInquiry) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, exists := t.s.data.requests[r.ID]; exists {
		return fmt.Errorf("staffing request %s: %w", r.ID, store.ErrConflict)
	}
	t.s.data.requests[r.ID] = r.Clone()
	for _, i := range inquiries {
		if _, exists := t.s.data.inquiries[i.ID]; exists {
			return fmt.Errorf("inquiry %s: %w", i.ID, store.ErrConflict)
		}
		t.s.data.inquiries[i.ID] = i.Clone()
	}
	return nil
}

func (t *tx) UpdateStaffingRequest(_ context.Context, r *domain.StaffingRequest) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, exists := t.s.data.requests[r.ID]; !exists {
		return fmt.Errorf("staffing request %s: %w", r.ID, store.ErrNotFound)
	}
	t.s.data.requests[r.ID] = r.Clone()
	return nil
}

// UpdateInquiry enforces at most one ACCEPTED inquiry per request.
func (t *tx) UpdateInquiry(_ context.Context, i *domain.StaffingRequestInquiry) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, exists := t.s.data.inquiries[i.ID]; !exists {
		return fmt.Errorf("inquiry %s: %w", i.ID, store.ErrNotFound)
	}
	if i.Status == domain.InquiryAccepted {
		for _, other := range t.s.data.inquiries {
			if other.ID != i.ID && other.RequestID == i.RequestID && other.Status == domain.InquiryAccepted {
				return fmt.Errorf("request %s already has an accepted inquiry: %w", i.RequestID, store.ErrConflict)
			}
		}
	}
	t.s.data.inquiries[i.ID] = i.Clone()
	return nil
}
