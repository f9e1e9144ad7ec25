package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validWorkflow() WorkflowVersion {
	return WorkflowVersion{
		Workflow: "doc",
		Version:  "v1",
		Steps: []Step{
			{Slug: "extract", ExecutionFunction: "extract_text"},
			{
				Slug:                   "edit",
				IsHuman:                true,
				CreationDependsOn:      []string{"extract"},
				RequiredCertifications: []string{"editing"},
				AssignmentPolicy:       AssignmentPolicy{Policy: AssignAnyoneCertified},
				ReviewPolicy:           ReviewPolicy{Policy: ReviewSampled, Rate: 1},
			},
			{
				Slug:              "polish",
				IsHuman:           true,
				CreationDependsOn: []string{"edit"},
				AssignmentPolicy:  AssignmentPolicy{Policy: AssignPreviouslyCompletedSteps, Steps: []string{"edit"}},
			},
		},
	}
}

func TestWorkflowVersion_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(w *WorkflowVersion)
		wantErr string
	}{
		{name: "valid", mutate: func(*WorkflowVersion) {}},
		{
			name:    "duplicate slug",
			mutate:  func(w *WorkflowVersion) { w.Steps[2].Slug = "edit" },
			wantErr: "duplicate step",
		},
		{
			name:    "unknown dependency",
			mutate:  func(w *WorkflowVersion) { w.Steps[1].CreationDependsOn = []string{"ghost"} },
			wantErr: "unknown step",
		},
		{
			name:    "machine step without function",
			mutate:  func(w *WorkflowVersion) { w.Steps[0].ExecutionFunction = "" },
			wantErr: "no execution function",
		},
		{
			name:    "human step with function",
			mutate:  func(w *WorkflowVersion) { w.Steps[1].ExecutionFunction = "x" },
			wantErr: "names an execution function",
		},
		{
			name:    "cycle",
			mutate:  func(w *WorkflowVersion) { w.Steps[0].CreationDependsOn = []string{"polish"} },
			wantErr: "cycle",
		},
		{
			name:    "bad review rate",
			mutate:  func(w *WorkflowVersion) { w.Steps[1].ReviewPolicy.Rate = 1.5 },
			wantErr: "Rate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := validWorkflow()
			tt.mutate(&w)
			err := w.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidWorkflow)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestWorkflowVersion_ReadySteps(t *testing.T) {
	w := validWorkflow()
	p, err := NewProject("doc", "v1", TaskClassReal, nil, time.Now())
	require.NoError(t, err)

	ready := w.ReadySteps(nil)
	require.Len(t, ready, 1)
	assert.Equal(t, "extract", ready[0].Slug)

	extract := NewTask(p, &w.Steps[0], time.Now())
	assert.Empty(t, w.ReadySteps([]*Task{extract}), "dependency not complete yet")

	extract.Status = TaskComplete
	ready = w.ReadySteps([]*Task{extract})
	require.Len(t, ready, 1)
	assert.Equal(t, "edit", ready[0].Slug)
	assert.Equal(t, []string{"editing"}, NewTask(p, ready[0], time.Now()).RequiredCertifications)
}

func TestCatalog(t *testing.T) {
	c, err := NewCatalog(validWorkflow())
	require.NoError(t, err)

	v, ok := c.Lookup("doc", "v1")
	require.True(t, ok)
	assert.Equal(t, "doc@v1", v.Key())
	_, ok = c.Lookup("doc", "v2")
	assert.False(t, ok)
	assert.Len(t, c.Versions(), 1)

	_, err = NewCatalog(validWorkflow(), validWorkflow())
	require.ErrorIs(t, err, ErrInvalidWorkflow)
}
