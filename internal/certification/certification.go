// Package certification decides whether workers qualify for a task at a
// given role, and orders qualified workers deterministically for staffing.
package certification

import (
	"slices"
	"strings"
	"time"

	"github.com/ahrav/go-orchestra/internal/domain"
)

// IsWorkerCertifiedForTask reports whether worker holds, for every
// certification the task requires, a record with the task's class and a
// role at or above requiredRole. It fails closed: nil inputs return false.
func IsWorkerCertifiedForTask(worker *domain.Worker, task *domain.Task, requiredRole domain.Role) bool {
	_, ok := qualifiedSince(worker, task, requiredRole)
	return ok
}

// qualifiedSince returns when the worker became fully qualified: the latest
// grant among the earliest matching record of each required certification.
func qualifiedSince(worker *domain.Worker, task *domain.Task, role domain.Role) (time.Time, bool) {
	if worker == nil || task == nil {
		return time.Time{}, false
	}

	var since time.Time
	for _, required := range task.RequiredCertifications {
		var (
			earliest time.Time
			found    bool
		)
		for _, c := range worker.Certifications {
			if c.Certification != required || c.TaskClass != task.TaskClass || c.Role < role {
				continue
			}
			if !found || c.GrantedAt.Before(earliest) {
				earliest, found = c.GrantedAt, true
			}
		}
		if !found {
			return time.Time{}, false
		}
		if earliest.After(since) {
			since = earliest
		}
	}
	return since, true
}

// Filter returns the workers certified for task at role, ordered by
// certification seniority (earliest fully-qualified first) then by ID.
func Filter(workers []*domain.Worker, task *domain.Task, role domain.Role) []*domain.Worker {
	type ranked struct {
		w     *domain.Worker
		since time.Time
	}
	candidates := make([]ranked, 0, len(workers))
	for _, w := range workers {
		if since, ok := qualifiedSince(w, task, role); ok {
			candidates = append(candidates, ranked{w: w, since: since})
		}
	}

	slices.SortStableFunc(candidates, func(a, b ranked) int {
		if c := a.since.Compare(b.since); c != 0 {
			return c
		}
		return strings.Compare(a.w.ID, b.w.ID)
	})

	out := make([]*domain.Worker, len(candidates))
	for i, c := range candidates {
		out[i] = c.w
	}
	return out
}
