// Package store defines the persistence contract the lifecycle core consumes.
// Implementations live in the memory and postgres subpackages. All writes go
// through RunInTx so that a failed operation never leaves partial state.
package store

import (
	"context"
	"errors"

	"github.com/ahrav/go-orchestra/internal/domain"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("orchestra/store: not found")

	// ErrConflict is returned when a write violates a uniqueness rule, such as
	// a second ACCEPTED inquiry for one staffing request.
	ErrConflict = errors.New("orchestra/store: conflict")
)

// Reader is the read side of the store.
type Reader interface {
	GetProject(ctx context.Context, id string) (*domain.Project, error)

	// GetTask returns the task with its assignments in creation order.
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	GetTaskByStep(ctx context.Context, projectID, stepSlug string) (*domain.Task, error)
	ListProjectTasks(ctx context.Context, projectID string) ([]*domain.Task, error)

	GetWorker(ctx context.Context, id string) (*domain.Worker, error)
	ListWorkers(ctx context.Context) ([]*domain.Worker, error)

	// CountActiveAssignments counts the worker's PROCESSING assignments on
	// tasks that are not COMPLETE or ABORTED.
	CountActiveAssignments(ctx context.Context, workerID string) (int, error)

	GetStaffingRequest(ctx context.Context, id string) (*domain.StaffingRequest, error)
	ListStaffingRequests(ctx context.Context, taskID string) ([]*domain.StaffingRequest, error)
	GetInquiry(ctx context.Context, id string) (*domain.StaffingRequestInquiry, error)
	ListInquiries(ctx context.Context, requestID string) ([]*domain.StaffingRequestInquiry, error)
}

// Writer is the write side of the store, only reachable inside a transaction.
type Writer interface {
	CreateProject(ctx context.Context, p *domain.Project) error
	UpdateProject(ctx context.Context, p *domain.Project) error

	// CreateTask inserts the task and any assignments it already carries.
	CreateTask(ctx context.Context, t *domain.Task) error

	// UpdateTask persists the task row and upserts all of its assignments.
	UpdateTask(ctx context.Context, t *domain.Task) error

	SaveWorker(ctx context.Context, w *domain.Worker) error

	CreateStaffingRequest(ctx context.Context, r *domain.StaffingRequest, inquiries []*domain.StaffingRequestInquiry) error
	UpdateStaffingRequest(ctx context.Context, r *domain.StaffingRequest) error
	UpdateInquiry(ctx context.Context, i *domain.StaffingRequestInquiry) error
}

// Tx is a transaction handle.
type Tx interface {
	Reader
	Writer

	// LockTask reads the task and holds a row lock on it until the
	// transaction ends.
	LockTask(ctx context.Context, id string) (*domain.Task, error)

	// LockStaffingRequest reads the request and holds a row lock on it until
	// the transaction ends. Concurrent resolutions of one request serialize here.
	LockStaffingRequest(ctx context.Context, id string) (*domain.StaffingRequest, error)
}

// Store is the full persistence collaborator.
type Store interface {
	Reader

	// RunInTx runs fn in a transaction. A non-nil error from fn rolls back
	// every write made through tx.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	Close() error
}
