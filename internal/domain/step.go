package domain

import (
	"errors"
	"fmt"
	"slices"
)

// AssignmentPolicyKind selects how a new human task finds its first worker.
type AssignmentPolicyKind string

const (
	// AssignAnyoneCertified offers the task to every certified worker.
	AssignAnyoneCertified AssignmentPolicyKind = "anyone_certified"

	// AssignPreviouslyCompletedSteps gives the task to the worker who did
	// the entry-level work on the listed steps.
	AssignPreviouslyCompletedSteps AssignmentPolicyKind = "previously_completed_steps"

	// AssignManual leaves staffing to an operator.
	AssignManual AssignmentPolicyKind = "manual"
)

// AssignmentPolicy configures first-worker selection for a step.
type AssignmentPolicy struct {
	Policy AssignmentPolicyKind `yaml:"policy" json:"policy" validate:"omitempty,oneof=anyone_certified previously_completed_steps manual"`
	Steps  []string             `yaml:"steps,omitempty" json:"steps,omitempty"`
}

// ReviewPolicyKind selects whether submitted work goes to a reviewer.
type ReviewPolicyKind string

// Review policies.
const (
	ReviewNone    ReviewPolicyKind = "no_review"
	ReviewSampled ReviewPolicyKind = "sampled_review"
)

// ReviewPolicy configures review routing for a step. With sampled_review a
// submission goes to review when a uniform sample in [0,1) is below Rate.
type ReviewPolicy struct {
	Policy ReviewPolicyKind `yaml:"policy" json:"policy" validate:"omitempty,oneof=no_review sampled_review"`
	Rate   float64          `yaml:"rate" json:"rate" validate:"gte=0,lte=1"`
}

// NeedsReview decides routing for a submission given a sample in [0,1).
func (p ReviewPolicy) NeedsReview(sample float64) bool {
	if p.Policy != ReviewSampled {
		return false
	}
	return sample < p.Rate
}

// Step is one node of a workflow version.
type Step struct {
	Slug    string `yaml:"slug" json:"slug" validate:"required"`
	Name    string `yaml:"name" json:"name"`
	IsHuman bool   `yaml:"is_human" json:"is_human"`

	// ExecutionFunction names the registered machine function for machine steps.
	ExecutionFunction string `yaml:"execution_function,omitempty" json:"execution_function,omitempty"`

	CreationDependsOn      []string         `yaml:"creation_depends_on,omitempty" json:"creation_depends_on,omitempty"`
	SubmissionDependsOn    []string         `yaml:"submission_depends_on,omitempty" json:"submission_depends_on,omitempty"`
	RequiredCertifications []string         `yaml:"required_certifications,omitempty" json:"required_certifications,omitempty"`
	AssignmentPolicy       AssignmentPolicy `yaml:"assignment_policy" json:"assignment_policy"`
	ReviewPolicy           ReviewPolicy     `yaml:"review_policy" json:"review_policy"`
}

// WorkflowVersion is a DAG of steps identified by workflow slug and version.
type WorkflowVersion struct {
	Workflow string `yaml:"workflow" json:"workflow" validate:"required"`
	Version  string `yaml:"version" json:"version" validate:"required"`
	Steps    []Step `yaml:"steps" json:"steps" validate:"required,min=1,dive"`
}

// Key identifies the version inside a Catalog.
func (w *WorkflowVersion) Key() string { return w.Workflow + "@" + w.Version }

// Step returns the step with the given slug.
func (w *WorkflowVersion) Step(slug string) (*Step, bool) {
	for i := range w.Steps {
		if w.Steps[i].Slug == slug {
			return &w.Steps[i], true
		}
	}
	return nil, false
}

// Validate checks structure and that the dependency graph is acyclic.
func (w *WorkflowVersion) Validate() error {
	if err := validate.Struct(w); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidWorkflow, w.Key(), err)
	}

	seen := make(map[string]bool, len(w.Steps))
	for _, s := range w.Steps {
		if seen[s.Slug] {
			return fmt.Errorf("%w: %s: duplicate step %q", ErrInvalidWorkflow, w.Key(), s.Slug)
		}
		seen[s.Slug] = true
	}

	var errs []error
	for _, s := range w.Steps {
		for _, dep := range slices.Concat(s.CreationDependsOn, s.SubmissionDependsOn, s.AssignmentPolicy.Steps) {
			if !seen[dep] {
				errs = append(errs, fmt.Errorf("step %q depends on unknown step %q", s.Slug, dep))
			}
		}
		switch {
		case s.IsHuman && s.ExecutionFunction != "":
			errs = append(errs, fmt.Errorf("human step %q names an execution function", s.Slug))
		case !s.IsHuman && s.ExecutionFunction == "":
			errs = append(errs, fmt.Errorf("machine step %q has no execution function", s.Slug))
		}
		if s.AssignmentPolicy.Policy == AssignPreviouslyCompletedSteps && len(s.AssignmentPolicy.Steps) == 0 {
			errs = append(errs, fmt.Errorf("step %q: previously_completed_steps needs steps", s.Slug))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidWorkflow, w.Key(), err)
	}

	if cycle := w.findCycle(); cycle != "" {
		return fmt.Errorf("%w: %s: creation dependency cycle through %q", ErrInvalidWorkflow, w.Key(), cycle)
	}
	return nil
}

// findCycle runs a DFS over creation dependencies and returns a step on a
// cycle, or "".
func (w *WorkflowVersion) findCycle() string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(w.Steps))

	var visit func(slug string) string
	visit = func(slug string) string {
		switch state[slug] {
		case visiting:
			return slug
		case done:
			return ""
		}
		state[slug] = visiting
		step, _ := w.Step(slug)
		for _, dep := range step.CreationDependsOn {
			if c := visit(dep); c != "" {
				return c
			}
		}
		state[slug] = done
		return ""
	}

	for _, s := range w.Steps {
		if c := visit(s.Slug); c != "" {
			return c
		}
	}
	return ""
}

// ReadySteps returns, in declaration order, the steps that have no task yet
// and whose creation dependencies all have a COMPLETE task.
func (w *WorkflowVersion) ReadySteps(tasks []*Task) []*Step {
	byStep := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		byStep[t.StepSlug] = t
	}

	var ready []*Step
	for i := range w.Steps {
		s := &w.Steps[i]
		if _, exists := byStep[s.Slug]; exists {
			continue
		}
		ok := true
		for _, dep := range s.CreationDependsOn {
			if t, found := byStep[dep]; !found || t.Status != TaskComplete {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, s)
		}
	}
	return ready
}

// Catalog holds the validated workflow versions a deployment can run.
type Catalog struct {
	versions map[string]*WorkflowVersion
}

// NewCatalog validates every version and indexes them.
func NewCatalog(versions ...WorkflowVersion) (*Catalog, error) {
	c := &Catalog{versions: make(map[string]*WorkflowVersion, len(versions))}
	for i := range versions {
		v := versions[i]
		if err := v.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.versions[v.Key()]; dup {
			return nil, fmt.Errorf("%w: duplicate workflow version %s", ErrInvalidWorkflow, v.Key())
		}
		c.versions[v.Key()] = &v
	}
	return c, nil
}

// Lookup returns a workflow version.
func (c *Catalog) Lookup(workflow, version string) (*WorkflowVersion, bool) {
	v, ok := c.versions[workflow+"@"+version]
	return v, ok
}

// Versions returns every version in the catalog in key order.
func (c *Catalog) Versions() []*WorkflowVersion {
	keys := make([]string, 0, len(c.versions))
	for k := range c.versions {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]*WorkflowVersion, 0, len(keys))
	for _, k := range keys {
		out = append(out, c.versions[k])
	}
	return out
}
