// Package domain provides the core types and lifecycle rules of Orchestra:
// projects, tasks and their assignments, workflow steps, workers with their
// certifications, and staffing requests. The types carry no persistence or
// transport concerns; every state change goes through methods that enforce
// the task status transition table.
package domain

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Project is one run of a workflow version.
type Project struct {
	ID              string         `json:"id" validate:"required"`
	WorkflowSlug    string         `json:"workflow_slug" validate:"required"`
	WorkflowVersion string         `json:"workflow_version" validate:"required"`
	TaskClass       TaskClass      `json:"task_class" validate:"required,oneof=real training"`
	Status          ProjectStatus  `json:"status" validate:"required,oneof=active completed aborted"`
	Priority        int            `json:"priority"`
	Description     string         `json:"description,omitempty"`
	ProjectData     map[string]any `json:"project_data,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// NewProject builds an active project with a fresh ID.
func NewProject(workflow, version string, class TaskClass, data map[string]any, now time.Time) (*Project, error) {
	p := &Project{
		ID:              uuid.NewString(),
		WorkflowSlug:    workflow,
		WorkflowVersion: version,
		TaskClass:       class,
		Status:          ProjectActive,
		ProjectData:     cloneData(data),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := validate.Struct(p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidProject, err)
	}
	return p, nil
}

// Clone returns a deep copy of the project.
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	c := *p
	c.ProjectData = cloneData(p.ProjectData)
	return &c
}

// SnapshotDecision records why a snapshot was taken.
type SnapshotDecision string

// Snapshot decisions.
const (
	DecisionSubmit  SnapshotDecision = "submit"
	DecisionApprove SnapshotDecision = "approve"
	DecisionReject  SnapshotDecision = "reject"
)

// Snapshot is an append-only copy of assignment data at a decision point.
type Snapshot struct {
	Data      map[string]any   `json:"data"`
	Decision  SnapshotDecision `json:"decision"`
	CreatedAt time.Time        `json:"created_at"`
}

// TaskAssignment links a worker (or a machine, with an empty WorkerID) to a
// task at a review tier.
type TaskAssignment struct {
	ID                 string           `json:"id"`
	TaskID             string           `json:"task_id"`
	WorkerID           string           `json:"worker_id,omitempty"`
	Tier               int              `json:"tier"`
	AssignmentCounter  int              `json:"assignment_counter"`
	Status             AssignmentStatus `json:"status"`
	InProgressTaskData map[string]any   `json:"in_progress_task_data,omitempty"`
	Snapshots          []Snapshot       `json:"snapshots,omitempty"`
	StartedAt          time.Time        `json:"started_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// IsMachine reports whether the assignment belongs to a machine step.
func (a *TaskAssignment) IsMachine() bool { return a.WorkerID == "" }

// Clone returns a deep copy of the assignment.
func (a *TaskAssignment) Clone() *TaskAssignment {
	if a == nil {
		return nil
	}
	c := *a
	c.InProgressTaskData = cloneData(a.InProgressTaskData)
	c.Snapshots = make([]Snapshot, len(a.Snapshots))
	for i, s := range a.Snapshots {
		c.Snapshots[i] = Snapshot{Data: cloneData(s.Data), Decision: s.Decision, CreatedAt: s.CreatedAt}
	}
	return &c
}

func (a *TaskAssignment) submit(data map[string]any, decision SnapshotDecision, now time.Time) {
	if data != nil {
		a.InProgressTaskData = cloneData(data)
	}
	a.Snapshots = append(a.Snapshots, Snapshot{
		Data:      cloneData(a.InProgressTaskData),
		Decision:  decision,
		CreatedAt: now,
	})
	a.Status = AssignmentSubmitted
	a.UpdatedAt = now
}

// Task is the unit of work for one step of a project.
type Task struct {
	ID                     string            `json:"id"`
	ProjectID              string            `json:"project_id"`
	StepSlug               string            `json:"step_slug"`
	Status                 TaskStatus        `json:"status"`
	TaskClass              TaskClass         `json:"task_class"`
	RequiredCertifications []string          `json:"required_certifications,omitempty"`
	Assignments            []*TaskAssignment `json:"assignments,omitempty"`
	CreatedAt              time.Time         `json:"created_at"`
	UpdatedAt              time.Time         `json:"updated_at"`
}

// NewTask creates an AWAITING_PROCESSING task for step within project.
func NewTask(project *Project, step *Step, now time.Time) *Task {
	return &Task{
		ID:                     uuid.NewString(),
		ProjectID:              project.ID,
		StepSlug:               step.Slug,
		Status:                 TaskAwaitingProcessing,
		TaskClass:              project.TaskClass,
		RequiredCertifications: slices.Clone(step.RequiredCertifications),
		CreatedAt:              now,
		UpdatedAt:              now,
	}
}

// Clone returns a deep copy of the task and its assignments.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.RequiredCertifications = slices.Clone(t.RequiredCertifications)
	c.Assignments = make([]*TaskAssignment, len(t.Assignments))
	for i, a := range t.Assignments {
		c.Assignments[i] = a.Clone()
	}
	return &c
}

// TransitionTo moves the task along an edge of the transition table and
// returns the previous status. The task is unchanged on error.
func (t *Task) TransitionTo(to TaskStatus, now time.Time) (TaskStatus, error) {
	if !t.Status.CanTransitionTo(to) {
		return t.Status, newTransitionError(t, to, "")
	}
	prev := t.Status
	t.Status = to
	t.UpdatedAt = now
	return prev, nil
}

// CompleteWithoutReview finishes a PROCESSING task whose submission skips
// review. This is the only way to reach COMPLETE from PROCESSING.
func (t *Task) CompleteWithoutReview(now time.Time) (TaskStatus, error) {
	if t.Status != TaskProcessing {
		return t.Status, newTransitionError(t, TaskComplete, "completion without review requires processing")
	}
	prev := t.Status
	t.Status = TaskComplete
	t.UpdatedAt = now
	return prev, nil
}

// HighestTier returns the deepest tier with a non-failed assignment, or -1.
func (t *Task) HighestTier() int {
	tier := -1
	for _, a := range t.Assignments {
		if a.Status != AssignmentFailed && a.Tier > tier {
			tier = a.Tier
		}
	}
	return tier
}

// CurrentAssignment returns the most recent non-failed assignment of tier.
func (t *Task) CurrentAssignment(tier int) *TaskAssignment {
	for i := len(t.Assignments) - 1; i >= 0; i-- {
		a := t.Assignments[i]
		if a.Tier == tier && a.Status != AssignmentFailed {
			return a
		}
	}
	return nil
}

// TierOf returns the tier a worker holds on the task.
func (t *Task) TierOf(workerID string) (int, bool) {
	for _, a := range t.Assignments {
		if a.WorkerID == workerID && workerID != "" {
			return a.Tier, true
		}
	}
	return 0, false
}

// StaffableRole returns the role the task is waiting for, if any.
func (t *Task) StaffableRole() (Role, bool) {
	switch t.Status {
	case TaskAwaitingProcessing:
		return RoleEntryLevel, true
	case TaskPendingReview:
		return RoleReviewer, true
	default:
		return 0, false
	}
}

// Assign gives the next tier of the task to workerID: tier 0 from
// AWAITING_PROCESSING (-> PROCESSING), the next review tier from
// PENDING_REVIEW (-> REVIEWING). Reviewers start from a copy of the work
// they review. Returns the new assignment and the previous status.
func (t *Task) Assign(workerID string, now time.Time) (*TaskAssignment, TaskStatus, error) {
	var (
		tier int
		to   TaskStatus
	)
	switch t.Status {
	case TaskAwaitingProcessing:
		tier, to = 0, TaskProcessing
	case TaskPendingReview:
		tier, to = t.HighestTier()+1, TaskReviewing
	default:
		return nil, t.Status, newTransitionError(t, TaskProcessing, "task is not waiting for a worker")
	}
	if _, held := t.TierOf(workerID); held {
		return nil, t.Status, fmt.Errorf("%w: worker %s, task %s", ErrWorkerAlreadyAssigned, workerID, t.ID)
	}

	a := &TaskAssignment{
		ID:                uuid.NewString(),
		TaskID:            t.ID,
		WorkerID:          workerID,
		Tier:              tier,
		AssignmentCounter: tier,
		Status:            AssignmentProcessing,
		StartedAt:         now,
		UpdatedAt:         now,
	}
	if below := t.CurrentAssignment(tier - 1); below != nil {
		a.InProgressTaskData = cloneData(below.InProgressTaskData)
	}

	prev, err := t.TransitionTo(to, now)
	if err != nil {
		return nil, prev, err
	}
	t.Assignments = append(t.Assignments, a)
	return a, prev, nil
}

// AssignMachine starts a machine execution attempt. A task already in
// PROCESSING gets a new attempt row when its last attempt failed, and
// reuses the running attempt otherwise.
func (t *Task) AssignMachine(now time.Time) (*TaskAssignment, TaskStatus, error) {
	prev := t.Status
	switch t.Status {
	case TaskAwaitingProcessing:
		if _, err := t.TransitionTo(TaskProcessing, now); err != nil {
			return nil, prev, err
		}
	case TaskProcessing:
		if cur := t.CurrentAssignment(0); cur != nil && cur.IsMachine() && cur.Status == AssignmentProcessing {
			return cur, prev, nil
		}
	default:
		return nil, prev, newTransitionError(t, TaskProcessing, "machine step is not runnable")
	}

	counter := 0
	for _, a := range t.Assignments {
		if a.Tier == 0 && a.AssignmentCounter >= counter {
			counter = a.AssignmentCounter + 1
		}
	}
	a := &TaskAssignment{
		ID:                uuid.NewString(),
		TaskID:            t.ID,
		AssignmentCounter: counter,
		Status:            AssignmentProcessing,
		StartedAt:         now,
		UpdatedAt:         now,
	}
	t.Assignments = append(t.Assignments, a)
	return a, prev, nil
}

// heldAssignment returns the worker's current PROCESSING assignment.
func (t *Task) heldAssignment(workerID string) (*TaskAssignment, error) {
	tier, ok := t.TierOf(workerID)
	if !ok {
		return nil, fmt.Errorf("%w: worker %s, task %s", ErrNotAssigned, workerID, t.ID)
	}
	a := t.CurrentAssignment(tier)
	if a == nil || a.WorkerID != workerID || a.Status != AssignmentProcessing {
		return nil, fmt.Errorf("%w: worker %s has no active assignment on task %s", ErrNotAssigned, workerID, t.ID)
	}
	return a, nil
}

// SaveProgress replaces the in-progress data of the worker's active assignment.
func (t *Task) SaveProgress(workerID string, data map[string]any, now time.Time) (*TaskAssignment, error) {
	if t.Status.IsTerminal() {
		return nil, newTransitionError(t, t.Status, "task is finished")
	}
	a, err := t.heldAssignment(workerID)
	if err != nil {
		return nil, err
	}
	a.InProgressTaskData = cloneData(data)
	a.UpdatedAt = now
	t.UpdatedAt = now
	return a, nil
}

// Submit hands in entry-level work from PROCESSING. With toReview the task
// moves to PENDING_REVIEW; otherwise it completes without review.
func (t *Task) Submit(workerID string, data map[string]any, toReview bool, now time.Time) (TaskStatus, error) {
	if t.Status != TaskProcessing {
		return t.Status, newTransitionError(t, TaskPendingReview, "submission requires processing")
	}
	a := t.CurrentAssignment(0)
	if a == nil || a.WorkerID != workerID || a.Status != AssignmentProcessing {
		return t.Status, fmt.Errorf("%w: worker %s, task %s", ErrNotAssigned, workerID, t.ID)
	}

	var (
		prev TaskStatus
		err  error
	)
	if toReview {
		prev, err = t.TransitionTo(TaskPendingReview, now)
	} else {
		prev, err = t.CompleteWithoutReview(now)
	}
	if err != nil {
		return prev, err
	}
	a.submit(data, DecisionSubmit, now)
	return prev, nil
}

// Resubmit hands in a revision from POST_REVIEW_PROCESSING. The revised work
// is recorded as a new assignment row for the same worker and tier with the
// next assignment counter, and the reviewer's assignment becomes active again.
func (t *Task) Resubmit(workerID string, data map[string]any, now time.Time) (*TaskAssignment, TaskStatus, error) {
	if t.Status != TaskPostReviewProcessing {
		return nil, t.Status, newTransitionError(t, TaskReviewing, "resubmission requires post_review_processing")
	}
	top := t.HighestTier()
	reviewer := t.CurrentAssignment(top)
	revising := t.CurrentAssignment(top - 1)
	if revising == nil || revising.WorkerID != workerID || revising.Status != AssignmentProcessing {
		return nil, t.Status, fmt.Errorf("%w: worker %s, task %s", ErrNotAssigned, workerID, t.ID)
	}

	prev, err := t.TransitionTo(TaskReviewing, now)
	if err != nil {
		return nil, prev, err
	}

	revising.submit(data, DecisionSubmit, now)
	revision := revising.Clone()
	revision.ID = uuid.NewString()
	revision.AssignmentCounter = revising.AssignmentCounter + 1
	revision.StartedAt = now
	t.Assignments = append(t.Assignments, revision)

	reviewer.InProgressTaskData = cloneData(revision.InProgressTaskData)
	reviewer.Status = AssignmentProcessing
	reviewer.UpdatedAt = now
	return revision, prev, nil
}

// Review records the reviewer's decision from REVIEWING. Approval completes
// the task; rejection sends it back to the worker one tier below, who gets
// the reviewer's data to revise.
func (t *Task) Review(reviewerID string, approve bool, data map[string]any, now time.Time) (TaskStatus, error) {
	to := TaskComplete
	decision := DecisionApprove
	if !approve {
		to, decision = TaskPostReviewProcessing, DecisionReject
	}
	if t.Status != TaskReviewing {
		return t.Status, newTransitionError(t, to, "review requires reviewing")
	}

	top := t.HighestTier()
	reviewer := t.CurrentAssignment(top)
	if top < 1 || reviewer == nil || reviewer.WorkerID != reviewerID || reviewer.Status != AssignmentProcessing {
		return t.Status, fmt.Errorf("%w: reviewer %s, task %s", ErrNotAssigned, reviewerID, t.ID)
	}
	below := t.CurrentAssignment(top - 1)

	prev, err := t.TransitionTo(to, now)
	if err != nil {
		return prev, err
	}
	reviewer.submit(data, decision, now)
	if !approve && below != nil {
		below.InProgressTaskData = cloneData(reviewer.InProgressTaskData)
		below.Status = AssignmentProcessing
		below.UpdatedAt = now
	}
	return prev, nil
}

// Abort moves a non-terminal task to ABORTED.
func (t *Task) Abort(now time.Time) (TaskStatus, error) {
	return t.TransitionTo(TaskAborted, now)
}

// FailMachineAttempt marks the running machine attempt as FAILED.
func (t *Task) FailMachineAttempt(now time.Time) (*TaskAssignment, error) {
	a := t.CurrentAssignment(0)
	if a == nil || !a.IsMachine() || a.Status != AssignmentProcessing {
		return nil, newTransitionError(t, t.Status, "no running machine attempt")
	}
	a.Status = AssignmentFailed
	a.UpdatedAt = now
	t.UpdatedAt = now
	return a, nil
}

// CompleteMachineAttempt stores the machine output and completes the task.
func (t *Task) CompleteMachineAttempt(output map[string]any, now time.Time) (*TaskAssignment, TaskStatus, error) {
	a := t.CurrentAssignment(0)
	if a == nil || !a.IsMachine() || a.Status != AssignmentProcessing {
		return nil, t.Status, newTransitionError(t, TaskComplete, "no running machine attempt")
	}
	prev, err := t.CompleteWithoutReview(now)
	if err != nil {
		return nil, prev, err
	}
	a.submit(output, DecisionSubmit, now)
	return a, prev, nil
}

// LatestData returns the data of the current assignment at the highest
// tier. Once the task is complete that is its output: the approving
// reviewer's data, the submitted work when review was skipped, or the
// successful machine attempt.
func (t *Task) LatestData() map[string]any {
	a := t.CurrentAssignment(t.HighestTier())
	if a == nil {
		return nil
	}
	return cloneData(a.InProgressTaskData)
}
