// Package gatekeeper caps how many tasks a worker may actively hold.
package gatekeeper

import (
	"context"
	"errors"
	"fmt"

	"github.com/ahrav/go-orchestra/internal/domain"
)

// ErrAssignmentLimitReached is returned when a worker already holds as many
// PROCESSING assignments as their cap allows.
var ErrAssignmentLimitReached = errors.New("orchestra/gatekeeper: active assignment limit reached")

// Counter counts a worker's PROCESSING assignments on non-terminal tasks.
// store.Reader and store.Tx both satisfy it.
type Counter interface {
	CountActiveAssignments(ctx context.Context, workerID string) (int, error)
}

// Gatekeeper decides whether a worker may take on one more assignment.
type Gatekeeper struct {
	defaultLimit int
}

// New returns a Gatekeeper whose cap is defaultLimit for workers without an
// individual override. A limit of 0 means unlimited.
func New(defaultLimit int) *Gatekeeper {
	if defaultLimit < 0 {
		defaultLimit = 0
	}
	return &Gatekeeper{defaultLimit: defaultLimit}
}

// Limit returns the effective cap for w; 0 means unlimited.
func (g *Gatekeeper) Limit(w *domain.Worker) int {
	if w != nil && w.MaxActiveAssignments > 0 {
		return w.MaxActiveAssignments
	}
	return g.defaultLimit
}

// CheckWorkerAllowedNewAssignment reports whether w is below their cap. The
// task status does not relax the cap: review and entry-level work count the same.
func (g *Gatekeeper) CheckWorkerAllowedNewAssignment(ctx context.Context, c Counter, w *domain.Worker, _ domain.TaskStatus) (bool, error) {
	if w == nil {
		return false, nil
	}
	limit := g.Limit(w)
	if limit == 0 {
		return true, nil
	}
	active, err := c.CountActiveAssignments(ctx, w.ID)
	if err != nil {
		return false, fmt.Errorf("counting active assignments of %s: %w", w.ID, err)
	}
	return active < limit, nil
}

// Require is CheckWorkerAllowedNewAssignment as an error:
// ErrAssignmentLimitReached when w is at their cap.
func (g *Gatekeeper) Require(ctx context.Context, c Counter, w *domain.Worker, status domain.TaskStatus) error {
	ok, err := g.CheckWorkerAllowedNewAssignment(ctx, c, w, status)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: worker %s", ErrAssignmentLimitReached, workerID(w))
	}
	return nil
}

func workerID(w *domain.Worker) string {
	if w == nil {
		return "<nil>"
	}
	return w.ID
}
