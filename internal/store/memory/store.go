// Package memory provides an in-memory store.Store for tests and local
// development. Transactions are serialized and roll back by restoring a
// snapshot taken when they begin. Uniqueness rules mirror the Postgres
// constraints so races resolve the same way on both backends.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/ahrav/go-orchestra/internal/domain"
	"github.com/ahrav/go-orchestra/internal/store"
)

// Ensure Store implements store.Store at compile time.
var (
	_ store.Store = (*Store)(nil)
	_ store.Tx    = (*tx)(nil)
)

type dataset struct {
	projects  map[string]*domain.Project
	tasks     map[string]*domain.Task
	workers   map[string]*domain.Worker
	requests  map[string]*domain.StaffingRequest
	inquiries map[string]*domain.StaffingRequestInquiry
}

func newDataset() *dataset {
	return &dataset{
		projects:  make(map[string]*domain.Project),
		tasks:     make(map[string]*domain.Task),
		workers:   make(map[string]*domain.Worker),
		requests:  make(map[string]*domain.StaffingRequest),
		inquiries: make(map[string]*domain.StaffingRequestInquiry),
	}
}

// clone deep-copies the dataset; stored values are never shared with callers,
// so copying the maps of clones is enough.
func (d *dataset) clone() *dataset {
	c := newDataset()
	for k, v := range d.projects {
		c.projects[k] = v.Clone()
	}
	for k, v := range d.tasks {
		c.tasks[k] = v.Clone()
	}
	for k, v := range d.workers {
		c.workers[k] = v.Clone()
	}
	for k, v := range d.requests {
		c.requests[k] = v.Clone()
	}
	for k, v := range d.inquiries {
		c.inquiries[k] = v.Clone()
	}
	return c
}

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access.
type Store struct {
	// txMu serializes transactions, standing in for row locks.
	txMu sync.Mutex

	mu   sync.RWMutex
	data *dataset
}

// New returns a new empty Store.
func New() *Store {
	return &Store{data: newDataset()}
}

// Close is a no-op for the memory store.
func (s *Store) Close() error { return nil }

// RunInTx runs fn with exclusive write access. Writes are visible to
// concurrent readers as they happen and are undone if fn fails or panics.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	snapshot := s.data.clone()
	s.mu.RUnlock()

	rollback := func() {
		s.mu.Lock()
		s.data = snapshot
		s.mu.Unlock()
	}

	defer func() {
		if r := recover(); r != nil {
			rollback()
			panic(r)
		}
	}()

	if err = fn(ctx, &tx{s: s}); err != nil {
		rollback()
		return err
	}
	return nil
}

// ──────────────────────────────────────────────────
// Reader
// ──────────────────────────────────────────────────

// GetProject returns a project by ID.
func (s *Store) GetProject(_ context.Context, id string) (*domain.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.data.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", id, store.ErrNotFound)
	}
	return p.Clone(), nil
}

// GetTask returns a task with its assignments.
func (s *Store) GetTask(_ context.Context, id string) (*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.data.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}
	return t.Clone(), nil
}

// GetTaskByStep returns the task of a project's step.
func (s *Store) GetTaskByStep(_ context.Context, projectID, stepSlug string) (*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.data.tasks {
		if t.ProjectID == projectID && t.StepSlug == stepSlug {
			return t.Clone(), nil
		}
	}
	return nil, fmt.Errorf("task for step %s of project %s: %w", stepSlug, projectID, store.ErrNotFound)
}

// ListProjectTasks returns a project's tasks ordered by creation time.
func (s *Store) ListProjectTasks(_ context.Context, projectID string) ([]*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Task
	for _, t := range s.data.tasks {
		if t.ProjectID == projectID {
			out = append(out, t.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *domain.Task) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

// GetWorker returns a worker by ID.
func (s *Store) GetWorker(_ context.Context, id string) (*domain.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.data.workers[id]
	if !ok {
		return nil, fmt.Errorf("worker %s: %w", id, store.ErrNotFound)
	}
	return w.Clone(), nil
}

// ListWorkers returns all workers ordered by ID.
func (s *Store) ListWorkers(_ context.Context) ([]*domain.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Worker, 0, len(s.data.workers))
	for _, w := range s.data.workers {
		out = append(out, w.Clone())
	}
	slices.SortFunc(out, func(a, b *domain.Worker) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// CountActiveAssignments counts PROCESSING assignments on non-terminal tasks.
func (s *Store) CountActiveAssignments(_ context.Context, workerID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, t := range s.data.tasks {
		if t.Status.IsTerminal() {
			continue
		}
		for _, a := range t.Assignments {
			if a.WorkerID == workerID && a.Status == domain.AssignmentProcessing {
				n++
			}
		}
	}
	return n, nil
}

// GetStaffingRequest returns a staffing request by ID.
func (s *Store) GetStaffingRequest(_ context.Context, id string) (*domain.StaffingRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.data.requests[id]
	if !ok {
		return nil, fmt.Errorf("staffing request %s: %w", id, store.ErrNotFound)
	}
	return r.Clone(), nil
}

// ListStaffingRequests returns a task's staffing requests, oldest first.
func (s *Store) ListStaffingRequests(_ context.Context, taskID string) ([]*domain.StaffingRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.StaffingRequest
	for _, r := range s.data.requests {
		if r.TaskID == taskID {
			out = append(out, r.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *domain.StaffingRequest) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

// GetInquiry returns an inquiry by ID.
func (s *Store) GetInquiry(_ context.Context, id string) (*domain.StaffingRequestInquiry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.data.inquiries[id]
	if !ok {
		return nil, fmt.Errorf("inquiry %s: %w", id, store.ErrNotFound)
	}
	return i.Clone(), nil
}

// ListInquiries returns a request's inquiries, oldest first.
func (s *Store) ListInquiries(_ context.Context, requestID string) ([]*domain.StaffingRequestInquiry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.StaffingRequestInquiry
	for _, i := range s.data.inquiries {
		if i.RequestID == requestID {
			out = append(out, i.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *domain.StaffingRequestInquiry) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}
