package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func newTestTask(t *testing.T) *Task {
	t.Helper()
	p, err := NewProject("doc", "v1", TaskClassReal, map[string]any{"url": "https://example.com"}, testNow)
	require.NoError(t, err)
	return NewTask(p, &Step{Slug: "edit", IsHuman: true, RequiredCertifications: []string{"editing"}}, testNow)
}

func TestTask_AssignEntryLevel(t *testing.T) {
	task := newTestTask(t)

	a, prev, err := task.Assign("alice", testNow)
	require.NoError(t, err)

	assert.Equal(t, TaskAwaitingProcessing, prev)
	assert.Equal(t, TaskProcessing, task.Status)
	assert.Equal(t, 0, a.Tier)
	assert.Equal(t, 0, a.AssignmentCounter)
	assert.Equal(t, AssignmentProcessing, a.Status)
	assert.Len(t, task.Assignments, 1)
}

func TestTask_AssignRejectsBusyOrDuplicate(t *testing.T) {
	task := newTestTask(t)
	_, _, err := task.Assign("alice", testNow)
	require.NoError(t, err)

	_, _, err = task.Assign("bob", testNow)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Len(t, task.Assignments, 1)

	_, err = task.Submit("alice", map[string]any{"text": "draft"}, true, testNow)
	require.NoError(t, err)

	_, _, err = task.Assign("alice", testNow)
	require.ErrorIs(t, err, ErrWorkerAlreadyAssigned)
	assert.Equal(t, TaskPendingReview, task.Status)
}

func TestTask_ReviewCycle(t *testing.T) {
	task := newTestTask(t)
	_, _, err := task.Assign("alice", testNow)
	require.NoError(t, err)
	_, err = task.Submit("alice", map[string]any{"text": "draft"}, true, testNow)
	require.NoError(t, err)

	reviewer, prev, err := task.Assign("bob", testNow)
	require.NoError(t, err)
	assert.Equal(t, TaskPendingReview, prev)
	assert.Equal(t, TaskReviewing, task.Status)
	assert.Equal(t, 1, reviewer.Tier)
	assert.Equal(t, 1, reviewer.AssignmentCounter)
	assert.Equal(t, "draft", reviewer.InProgressTaskData["text"], "reviewer starts from the submitted work")

	prev, err = task.Review("bob", false, map[string]any{"text": "draft", "note": "fix intro"}, testNow)
	require.NoError(t, err)
	assert.Equal(t, TaskReviewing, prev)
	assert.Equal(t, TaskPostReviewProcessing, task.Status)
	assert.Equal(t, AssignmentProcessing, task.CurrentAssignment(0).Status)
	assert.Equal(t, "fix intro", task.CurrentAssignment(0).InProgressTaskData["note"])

	revision, prev, err := task.Resubmit("alice", map[string]any{"text": "final"}, testNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, TaskPostReviewProcessing, prev)
	assert.Equal(t, TaskReviewing, task.Status)
	assert.Equal(t, "alice", revision.WorkerID)
	assert.Equal(t, 0, revision.Tier)
	assert.Equal(t, 1, revision.AssignmentCounter)
	assert.Same(t, revision, task.CurrentAssignment(0))
	assert.Equal(t, AssignmentProcessing, task.CurrentAssignment(1).Status)

	prev, err = task.Review("bob", true, nil, testNow.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, TaskReviewing, prev)
	assert.Equal(t, TaskComplete, task.Status)
	assert.Equal(t, "final", task.LatestData()["text"])
}

func TestTask_LatestDataIgnoresTimestamps(t *testing.T) {
	task := newTestTask(t)
	_, _, err := task.Assign("alice", testNow)
	require.NoError(t, err)
	_, err = task.Submit("alice", map[string]any{"text": "draft"}, true, testNow)
	require.NoError(t, err)
	_, _, err = task.Assign("bob", testNow)
	require.NoError(t, err)
	_, err = task.Review("bob", false, nil, testNow)
	require.NoError(t, err)

	// The revision row is written after the reviewer's and carries a later
	// clock than the approval below.
	_, _, err = task.Resubmit("alice", map[string]any{"text": "final"}, testNow.Add(time.Hour))
	require.NoError(t, err)
	_, err = task.Review("bob", true, map[string]any{"text": "edited"}, testNow)
	require.NoError(t, err)

	assert.Equal(t, TaskComplete, task.Status)
	assert.Equal(t, "edited", task.LatestData()["text"])
}

func TestTask_SubmitWithoutReviewCompletes(t *testing.T) {
	task := newTestTask(t)
	_, _, err := task.Assign("alice", testNow)
	require.NoError(t, err)

	prev, err := task.Submit("alice", map[string]any{"k": "v"}, false, testNow)
	require.NoError(t, err)
	assert.Equal(t, TaskProcessing, prev)
	assert.Equal(t, TaskComplete, task.Status)
	require.Len(t, task.Assignments[0].Snapshots, 1)
	assert.Equal(t, DecisionSubmit, task.Assignments[0].Snapshots[0].Decision)
}

func TestTask_InvalidOperationsLeaveStateUnchanged(t *testing.T) {
	task := newTestTask(t)

	_, err := task.Submit("alice", nil, true, testNow)
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, TaskAwaitingProcessing, terr.From)
	assert.Equal(t, TaskAwaitingProcessing, task.Status)

	_, err = task.TransitionTo(TaskComplete, testNow)
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, _, err = task.Assign("alice", testNow)
	require.NoError(t, err)

	_, err = task.TransitionTo(TaskComplete, testNow)
	require.ErrorIs(t, err, ErrInvalidTransition, "processing -> complete must not be a direct edge")
	assert.Equal(t, TaskProcessing, task.Status)

	_, err = task.Submit("mallory", nil, true, testNow)
	require.ErrorIs(t, err, ErrNotAssigned)
	assert.Equal(t, TaskProcessing, task.Status)
	assert.Equal(t, AssignmentProcessing, task.Assignments[0].Status)
}

func TestTask_AbortIsTerminal(t *testing.T) {
	task := newTestTask(t)
	prev, err := task.Abort(testNow)
	require.NoError(t, err)
	assert.Equal(t, TaskAwaitingProcessing, prev)

	_, err = task.Abort(testNow)
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, _, err = task.Assign("alice", testNow)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTask_MachineAttempts(t *testing.T) {
	task := newTestTask(t)

	first, _, err := task.AssignMachine(testNow)
	require.NoError(t, err)
	assert.True(t, first.IsMachine())
	assert.Equal(t, TaskProcessing, task.Status)

	again, _, err := task.AssignMachine(testNow)
	require.NoError(t, err)
	assert.Same(t, first, again, "a running attempt is reused")

	_, err = task.FailMachineAttempt(testNow)
	require.NoError(t, err)
	assert.Equal(t, AssignmentFailed, first.Status)

	second, _, err := task.AssignMachine(testNow)
	require.NoError(t, err)
	assert.Equal(t, 1, second.AssignmentCounter)

	_, prev, err := task.CompleteMachineAttempt(map[string]any{"out": 1}, testNow)
	require.NoError(t, err)
	assert.Equal(t, TaskProcessing, prev)
	assert.Equal(t, TaskComplete, task.Status)
	assert.Equal(t, 1, task.LatestData()["out"])
}

func TestTask_CloneDoesNotAlias(t *testing.T) {
	task := newTestTask(t)
	_, _, err := task.Assign("alice", testNow)
	require.NoError(t, err)
	_, err = task.SaveProgress("alice", map[string]any{"nested": map[string]any{"a": 1}}, testNow)
	require.NoError(t, err)

	c := task.Clone()
	c.Assignments[0].InProgressTaskData["nested"].(map[string]any)["a"] = 2
	c.Status = TaskAborted

	assert.Equal(t, 1, task.Assignments[0].InProgressTaskData["nested"].(map[string]any)["a"])
	assert.Equal(t, TaskProcessing, task.Status)
}

func TestReviewPolicy_NeedsReview(t *testing.T) {
	tests := []struct {
		name   string
		policy ReviewPolicy
		sample float64
		want   bool
	}{
		{"no review", ReviewPolicy{Policy: ReviewNone}, 0, false},
		{"empty policy", ReviewPolicy{}, 0, false},
		{"always", ReviewPolicy{Policy: ReviewSampled, Rate: 1}, 0.999, true},
		{"never", ReviewPolicy{Policy: ReviewSampled, Rate: 0}, 0, false},
		{"sampled in", ReviewPolicy{Policy: ReviewSampled, Rate: 0.5}, 0.2, true},
		{"sampled out", ReviewPolicy{Policy: ReviewSampled, Rate: 0.5}, 0.7, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.NeedsReview(tt.sample))
		})
	}
}
