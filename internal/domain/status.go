package domain

// TaskStatus is the lifecycle position of a task.
type TaskStatus string

const (
	// TaskAwaitingProcessing is the initial status: no worker holds the task yet.
	TaskAwaitingProcessing TaskStatus = "awaiting_processing"

	// TaskProcessing means an entry-level worker (or machine) is working on the task.
	TaskProcessing TaskStatus = "processing"

	// TaskPendingReview means the work was submitted and waits for a reviewer.
	TaskPendingReview TaskStatus = "pending_review"

	// TaskReviewing means a reviewer holds the task.
	TaskReviewing TaskStatus = "reviewing"

	// TaskPostReviewProcessing means the reviewer asked for a revision.
	TaskPostReviewProcessing TaskStatus = "post_review_processing"

	// TaskComplete is terminal.
	TaskComplete TaskStatus = "complete"

	// TaskAborted is terminal and reachable from every non-terminal status.
	TaskAborted TaskStatus = "aborted"
)

// transitions lists the allowed next statuses for each status. ABORTED is
// added for every non-terminal status in CanTransitionTo.
var transitions = map[TaskStatus][]TaskStatus{
	TaskAwaitingProcessing:   {TaskProcessing},
	TaskProcessing:           {TaskPendingReview},
	TaskPendingReview:        {TaskReviewing},
	TaskReviewing:            {TaskComplete, TaskPostReviewProcessing},
	TaskPostReviewProcessing: {TaskReviewing},
}

// statusRank orders statuses for the monotonic partial order. The revision
// cycle (reviewing <-> post_review_processing) is the only edge that goes
// backwards in rank.
var statusRank = map[TaskStatus]int{
	TaskAwaitingProcessing:   0,
	TaskProcessing:           1,
	TaskPendingReview:        2,
	TaskReviewing:            3,
	TaskPostReviewProcessing: 4,
	TaskComplete:             5,
	TaskAborted:              5,
}

// IsValid reports whether s is a known task status.
func (s TaskStatus) IsValid() bool {
	_, ok := statusRank[s]
	return ok
}

// IsTerminal reports whether no transition leaves s.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskComplete || s == TaskAborted
}

// Rank returns the position of s in the lifecycle partial order, or -1.
func (s TaskStatus) Rank() int {
	r, ok := statusRank[s]
	if !ok {
		return -1
	}
	return r
}

// CanTransitionTo reports whether the transition table allows s -> target.
//
//	awaiting_processing    -> processing
//	processing             -> pending_review
//	pending_review         -> reviewing
//	reviewing              -> complete | post_review_processing
//	post_review_processing -> reviewing
//	any non-terminal       -> aborted
//
// processing -> complete is deliberately absent; see Task.CompleteWithoutReview.
func (s TaskStatus) CanTransitionTo(target TaskStatus) bool {
	if s.IsTerminal() || !s.IsValid() {
		return false
	}
	if target == TaskAborted {
		return true
	}
	for _, next := range transitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// AssignmentStatus is the state of one worker's claim on a task.
type AssignmentStatus string

const (
	// AssignmentProcessing means the holder is actively working.
	AssignmentProcessing AssignmentStatus = "processing"

	// AssignmentSubmitted means the holder handed in their work.
	AssignmentSubmitted AssignmentStatus = "submitted"

	// AssignmentFailed marks a machine execution that exhausted its attempts.
	AssignmentFailed AssignmentStatus = "failed"
)

// ProjectStatus is the state of a project.
type ProjectStatus string

// Project statuses.
const (
	ProjectActive    ProjectStatus = "active"
	ProjectCompleted ProjectStatus = "completed"
	ProjectAborted   ProjectStatus = "aborted"
)
