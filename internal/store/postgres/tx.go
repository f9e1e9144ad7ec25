package postgres

import (
	"context"
	"fmt"

	"github.com/ahrav/go-orchestra/internal/domain"
	"github.com/ahrav/go-orchestra/internal/store"
)

// tx implements store.Tx on a pgx transaction.
type tx struct {
	reader
}

// LockTask reads the task with SELECT ... FOR UPDATE.
func (t *tx) LockTask(ctx context.Context, id string) (*domain.Task, error) {
	return t.lockTask(ctx, id)
}

// LockStaffingRequest reads the request with SELECT ... FOR UPDATE.
func (t *tx) LockStaffingRequest(ctx context.Context, id string) (*domain.StaffingRequest, error) {
	return t.lockStaffingRequest(ctx, id)
}

// writeErr maps unique violations to store.ErrConflict.
func writeErr(op string, err error) error {
	if isDuplicateKey(err) {
		return fmt.Errorf("%s: %w", op, store.ErrConflict)
	}
	return fmt.Errorf("orchestra/postgres: %s: %w", op, err)
}

func (t *tx) CreateProject(ctx context.Context, p *domain.Project) error {
	data, err := toJSON(p.ProjectData)
	if err != nil {
		return fmt.Errorf("orchestra/postgres: encode project data: %w", err)
	}
	_, err = t.q.Exec(ctx, `
		INSERT INTO projects (`+projectColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.WorkflowSlug, p.WorkflowVersion, string(p.TaskClass), string(p.Status),
		p.Priority, p.Description, data, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return writeErr("create project", err)
	}
	return nil
}

func (t *tx) UpdateProject(ctx context.Context, p *domain.Project) error {
	data, err := toJSON(p.ProjectData)
	if err != nil {
		return fmt.Errorf("orchestra/postgres: encode project data: %w", err)
	}
	tag, err := t.q.Exec(ctx, `
		UPDATE projects SET
			status = $2, priority = $3, description = $4,
			project_data = $5, updated_at = $6
		WHERE id = $1`,
		p.ID, string(p.Status), p.Priority, p.Description, data, p.UpdatedAt,
	)
	if err != nil {
		return writeErr("update project", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("project %s: %w", p.ID, store.ErrNotFound)
	}
	return nil
}

func (t *tx) CreateTask(ctx context.Context, task *domain.Task) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		task.ID, task.ProjectID, task.StepSlug, string(task.Status), string(task.TaskClass),
		nonNil(task.RequiredCertifications), task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return writeErr("create task", err)
	}
	return t.upsertAssignments(ctx, task)
}

func (t *tx) UpdateTask(ctx context.Context, task *domain.Task) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE tasks SET status = $2, updated_at = $3 WHERE id = $1`,
		task.ID, string(task.Status), task.UpdatedAt,
	)
	if err != nil {
		return writeErr("update task", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", task.ID, store.ErrNotFound)
	}
	return t.upsertAssignments(ctx, task)
}

// upsertAssignments writes every assignment in slice order so new rows get
// increasing sequence numbers.
func (t *tx) upsertAssignments(ctx context.Context, task *domain.Task) error {
	for _, a := range task.Assignments {
		data, err := toJSON(a.InProgressTaskData)
		if err != nil {
			return fmt.Errorf("orchestra/postgres: encode assignment data: %w", err)
		}
		snapshots, err := toJSON(nonNil(a.Snapshots))
		if err != nil {
			return fmt.Errorf("orchestra/postgres: encode snapshots: %w", err)
		}
		_, err = t.q.Exec(ctx, `
			INSERT INTO task_assignments (`+assignmentColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO UPDATE SET
				status = EXCLUDED.status,
				in_progress_task_data = EXCLUDED.in_progress_task_data,
				snapshots = EXCLUDED.snapshots,
				updated_at = EXCLUDED.updated_at`,
			a.ID, task.ID, nullable(a.WorkerID), a.Tier, a.AssignmentCounter, string(a.Status),
			data, snapshots, a.StartedAt, a.UpdatedAt,
		)
		if err != nil {
			return writeErr("upsert assignment", err)
		}
	}
	return nil
}

func (t *tx) SaveWorker(ctx context.Context, w *domain.Worker) error {
	certs, err := toJSON(nonNil(w.Certifications))
	if err != nil {
		return fmt.Errorf("orchestra/postgres: encode certifications: %w", err)
	}
	_, err = t.q.Exec(ctx, `
		INSERT INTO workers (`+workerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username,
			email = EXCLUDED.email,
			slack_user_id = EXCLUDED.slack_user_id,
			staffing_opt_in = EXCLUDED.staffing_opt_in,
			max_active_assignments = EXCLUDED.max_active_assignments,
			certifications = EXCLUDED.certifications`,
		w.ID, w.Username, w.Email, w.SlackUserID, w.StaffingOptIn,
		w.MaxActiveAssignments, certs, w.CreatedAt,
	)
	if err != nil {
		return writeErr("save worker", err)
	}
	return nil
}

func (t *tx) CreateStaffingRequest(ctx context.Context, r *domain.StaffingRequest, inquiries []*domain.StaffingRequestInquiry) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO staffing_requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.TaskID, int16(r.RequiredRole), string(r.Cause), string(r.Status),
		nullable(r.WinnerInquiryID), r.CreatedAt, r.ClosedAt,
	)
	if err != nil {
		return writeErr("create staffing request", err)
	}

	for _, i := range inquiries {
		_, err := t.q.Exec(ctx, `
			INSERT INTO staffing_request_inquiries (`+inquiryColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			i.ID, i.RequestID, i.WorkerID, string(i.CommunicationMethod), string(i.Status),
			i.CreatedAt, i.RespondedAt,
		)
		if err != nil {
			return writeErr("create inquiry", err)
		}
	}
	return nil
}

func (t *tx) UpdateStaffingRequest(ctx context.Context, r *domain.StaffingRequest) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE staffing_requests SET
			status = $2, winner_inquiry_id = $3, closed_at = $4
		WHERE id = $1`,
		r.ID, string(r.Status), nullable(r.WinnerInquiryID), r.ClosedAt,
	)
	if err != nil {
		return writeErr("update staffing request", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("staffing request %s: %w", r.ID, store.ErrNotFound)
	}
	return nil
}

func (t *tx) UpdateInquiry(ctx context.Context, i *domain.StaffingRequestInquiry) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE staffing_request_inquiries SET
			status = $2, responded_at = $3
		WHERE id = $1`,
		i.ID, string(i.Status), i.RespondedAt,
	)
	if err != nil {
		return writeErr("update inquiry", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("inquiry %s: %w", i.ID, store.ErrNotFound)
	}
	return nil
}
