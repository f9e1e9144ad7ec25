package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ahrav/go-orchestra/internal/domain"
	"github.com/ahrav/go-orchestra/internal/store"
)

// reader implements store.Reader over any querier.
type reader struct {
	q querier
}

const projectColumns = `id, workflow_slug, workflow_version, task_class, status,
	priority, description, project_data, created_at, updated_at`

const taskColumns = `id, project_id, step_slug, status, task_class,
	required_certifications, created_at, updated_at`

const assignmentColumns = `id, task_id, worker_id, tier, assignment_counter, status,
	in_progress_task_data, snapshots, started_at, updated_at`

const workerColumns = `id, username, email, slack_user_id, staffing_opt_in,
	max_active_assignments, certifications, created_at`

const requestColumns = `id, task_id, required_role, cause, status,
	winner_inquiry_id, created_at, closed_at`

const inquiryColumns = `id, request_id, worker_id, communication_method, status,
	created_at, responded_at`

// ──────────────────────────────────────────────────
// Projects
// ──────────────────────────────────────────────────

func (r reader) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	p, err := scanProject(r.q.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("project %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("orchestra/postgres: get project: %w", err)
	}
	return p, nil
}

func scanProject(row pgx.Row) (*domain.Project, error) {
	var (
		p             domain.Project
		class, status string
		data          []byte
	)
	if err := row.Scan(
		&p.ID, &p.WorkflowSlug, &p.WorkflowVersion, &class, &status,
		&p.Priority, &p.Description, &data, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.TaskClass = domain.TaskClass(class)
	p.Status = domain.ProjectStatus(status)
	if err := fromJSON(data, &p.ProjectData); err != nil {
		return nil, err
	}
	return &p, nil
}

// ──────────────────────────────────────────────────
// Tasks
// ──────────────────────────────────────────────────

func (r reader) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	return r.getTask(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
}

func (r reader) lockTask(ctx context.Context, id string) (*domain.Task, error) {
	return r.getTask(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id)
}

func (r reader) getTask(ctx context.Context, query, id string) (*domain.Task, error) {
	t, err := scanTask(r.q.QueryRow(ctx, query, id))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("task %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("orchestra/postgres: get task: %w", err)
	}
	if t.Assignments, err = r.listAssignments(ctx, t.ID); err != nil {
		return nil, err
	}
	return t, nil
}

func (r reader) GetTaskByStep(ctx context.Context, projectID, stepSlug string) (*domain.Task, error) {
	t, err := scanTask(r.q.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE project_id = $1 AND step_slug = $2`,
		projectID, stepSlug,
	))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("task for step %s of project %s: %w", stepSlug, projectID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("orchestra/postgres: get task by step: %w", err)
	}
	if t.Assignments, err = r.listAssignments(ctx, t.ID); err != nil {
		return nil, err
	}
	return t, nil
}

func (r reader) ListProjectTasks(ctx context.Context, projectID string) ([]*domain.Task, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE project_id = $1 ORDER BY created_at, id`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("orchestra/postgres: list tasks: %w", err)
	}
	tasks, err := collect(rows, scanTask)
	if err != nil {
		return nil, fmt.Errorf("orchestra/postgres: list tasks: %w", err)
	}
	for _, t := range tasks {
		if t.Assignments, err = r.listAssignments(ctx, t.ID); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

func scanTask(row pgx.Row) (*domain.Task, error) {
	var (
		t             domain.Task
		status, class string
	)
	if err := row.Scan(
		&t.ID, &t.ProjectID, &t.StepSlug, &status, &class,
		&t.RequiredCertifications, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.Status = domain.TaskStatus(status)
	t.TaskClass = domain.TaskClass(class)
	return &t, nil
}

// listAssignments returns the task's assignments in insertion order.
func (r reader) listAssignments(ctx context.Context, taskID string) ([]*domain.TaskAssignment, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+assignmentColumns+` FROM task_assignments WHERE task_id = $1 ORDER BY seq`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("orchestra/postgres: list assignments: %w", err)
	}
	out, err := collect(rows, scanAssignment)
	if err != nil {
		return nil, fmt.Errorf("orchestra/postgres: list assignments: %w", err)
	}
	return out, nil
}

func scanAssignment(row pgx.Row) (*domain.TaskAssignment, error) {
	var (
		a               domain.TaskAssignment
		workerID        *string
		status          string
		data, snapshots []byte
	)
	if err := row.Scan(
		&a.ID, &a.TaskID, &workerID, &a.Tier, &a.AssignmentCounter, &status,
		&data, &snapshots, &a.StartedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if workerID != nil {
		a.WorkerID = *workerID
	}
	a.Status = domain.AssignmentStatus(status)
	if err := fromJSON(data, &a.InProgressTaskData); err != nil {
		return nil, err
	}
	if err := fromJSON(snapshots, &a.Snapshots); err != nil {
		return nil, err
	}
	return &a, nil
}

// ──────────────────────────────────────────────────
// Workers
// ──────────────────────────────────────────────────

func (r reader) GetWorker(ctx context.Context, id string) (*domain.Worker, error) {
	w, err := scanWorker(r.q.QueryRow(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("worker %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("orchestra/postgres: get worker: %w", err)
	}
	return w, nil
}

func (r reader) ListWorkers(ctx context.Context) ([]*domain.Worker, error) {
	rows, err := r.q.Query(ctx, `SELECT `+workerColumns+` FROM workers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("orchestra/postgres: list workers: %w", err)
	}
	out, err := collect(rows, scanWorker)
	if err != nil {
		return nil, fmt.Errorf("orchestra/postgres: list workers: %w", err)
	}
	return out, nil
}

func scanWorker(row pgx.Row) (*domain.Worker, error) {
	var (
		w     domain.Worker
		certs []byte
	)
	if err := row.Scan(
		&w.ID, &w.Username, &w.Email, &w.SlackUserID, &w.StaffingOptIn,
		&w.MaxActiveAssignments, &certs, &w.CreatedAt,
	); err != nil {
		return nil, err
	}
	if err := fromJSON(certs, &w.Certifications); err != nil {
		return nil, err
	}
	return &w, nil
}

func (r reader) CountActiveAssignments(ctx context.Context, workerID string) (int, error) {
	var n int
	err := r.q.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM task_assignments a
		JOIN tasks t ON t.id = a.task_id
		WHERE a.worker_id = $1
		  AND a.status = 'processing'
		  AND t.status NOT IN ('complete', 'aborted')`,
		workerID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("orchestra/postgres: count active assignments: %w", err)
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// Staffing
// ──────────────────────────────────────────────────

func (r reader) GetStaffingRequest(ctx context.Context, id string) (*domain.StaffingRequest, error) {
	return r.getStaffingRequest(ctx, `SELECT `+requestColumns+` FROM staffing_requests WHERE id = $1`, id)
}

func (r reader) lockStaffingRequest(ctx context.Context, id string) (*domain.StaffingRequest, error) {
	return r.getStaffingRequest(ctx, `SELECT `+requestColumns+` FROM staffing_requests WHERE id = $1 FOR UPDATE`, id)
}

func (r reader) getStaffingRequest(ctx context.Context, query, id string) (*domain.StaffingRequest, error) {
	req, err := scanRequest(r.q.QueryRow(ctx, query, id))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("staffing request %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("orchestra/postgres: get staffing request: %w", err)
	}
	return req, nil
}

func (r reader) ListStaffingRequests(ctx context.Context, taskID string) ([]*domain.StaffingRequest, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+requestColumns+` FROM staffing_requests WHERE task_id = $1 ORDER BY created_at, id`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("orchestra/postgres: list staffing requests: %w", err)
	}
	out, err := collect(rows, scanRequest)
	if err != nil {
		return nil, fmt.Errorf("orchestra/postgres: list staffing requests: %w", err)
	}
	return out, nil
}

func scanRequest(row pgx.Row) (*domain.StaffingRequest, error) {
	var (
		req           domain.StaffingRequest
		role          int16
		cause, status string
		winner        *string
		closedAt      *time.Time
	)
	if err := row.Scan(
		&req.ID, &req.TaskID, &role, &cause, &status,
		&winner, &req.CreatedAt, &closedAt,
	); err != nil {
		return nil, err
	}
	req.RequiredRole = domain.Role(role)
	req.Cause = domain.RequestCause(cause)
	req.Status = domain.StaffingRequestStatus(status)
	if winner != nil {
		req.WinnerInquiryID = *winner
	}
	req.ClosedAt = closedAt
	return &req, nil
}

func (r reader) GetInquiry(ctx context.Context, id string) (*domain.StaffingRequestInquiry, error) {
	i, err := scanInquiry(r.q.QueryRow(ctx,
		`SELECT `+inquiryColumns+` FROM staffing_request_inquiries WHERE id = $1`, id,
	))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("inquiry %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("orchestra/postgres: get inquiry: %w", err)
	}
	return i, nil
}

func (r reader) ListInquiries(ctx context.Context, requestID string) ([]*domain.StaffingRequestInquiry, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+inquiryColumns+` FROM staffing_request_inquiries WHERE request_id = $1 ORDER BY created_at, id`,
		requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("orchestra/postgres: list inquiries: %w", err)
	}
	out, err := collect(rows, scanInquiry)
	if err != nil {
		return nil, fmt.Errorf("orchestra/postgres: list inquiries: %w", err)
	}
	return out, nil
}

func scanInquiry(row pgx.Row) (*domain.StaffingRequestInquiry, error) {
	var (
		i              domain.StaffingRequestInquiry
		method, status string
		respondedAt    *time.Time
	)
	if err := row.Scan(
		&i.ID, &i.RequestID, &i.WorkerID, &method, &status,
		&i.CreatedAt, &respondedAt,
	); err != nil {
		return nil, err
	}
	i.CommunicationMethod = domain.CommunicationMethod(method)
	i.Status = domain.InquiryStatus(status)
	i.RespondedAt = respondedAt
	return &i, nil
}
