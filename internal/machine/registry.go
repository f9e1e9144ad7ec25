// Package machine holds the functions that execute machine steps. Each
// function is registered under the stable identifier workflow steps name in
// their execution_function field, and the registry is checked against the
// workflow catalog at startup so a missing function fails the deployment
// rather than a running project.
package machine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/ahrav/go-orchestra/internal/domain"
)

var (
	// ErrUnknownFunction is returned when no function is registered under a name.
	ErrUnknownFunction = errors.New("orchestra/machine: unknown execution function")

	// ErrDuplicateFunction is returned when a name is registered twice.
	ErrDuplicateFunction = errors.New("orchestra/machine: execution function already registered")
)

// Input is what a machine function receives.
type Input struct {
	ProjectID   string         `json:"project_id"`
	StepSlug    string         `json:"step_slug"`
	ProjectData map[string]any `json:"project_data,omitempty"`

	// Prerequisites maps each creation dependency's step slug to the output
	// of its completed task.
	Prerequisites map[string]map[string]any `json:"prerequisites,omitempty"`
}

// Handler is a registered machine function. The variants are StepFunc,
// ProjectFunc and the generic Decoded; no other implementations exist.
type Handler interface {
	run(ctx context.Context, in Input) (map[string]any, error)
}

// StepFunc sees the full Input.
type StepFunc func(ctx context.Context, in Input) (map[string]any, error)

func (f StepFunc) run(ctx context.Context, in Input) (map[string]any, error) { return f(ctx, in) }

// ProjectFunc sees only the project data.
type ProjectFunc func(ctx context.Context, projectData map[string]any) (map[string]any, error)

func (f ProjectFunc) run(ctx context.Context, in Input) (map[string]any, error) {
	return f(ctx, in.ProjectData)
}

type decoded[T any] struct {
	fn func(ctx context.Context, in T) (map[string]any, error)
}

// Decoded adapts a function taking a typed view of the project data. The
// project data is round-tripped through JSON into T before each call.
func Decoded[T any](fn func(ctx context.Context, in T) (map[string]any, error)) Handler {
	return decoded[T]{fn: fn}
}

func (d decoded[T]) run(ctx context.Context, in Input) (map[string]any, error) {
	var typed T
	if len(in.ProjectData) > 0 {
		raw, err := json.Marshal(in.ProjectData)
		if err != nil {
			return nil, fmt.Errorf("encode project data: %w", err)
		}
		if err := json.Unmarshal(raw, &typed); err != nil {
			return nil, fmt.Errorf("decode project data into %T: %w", typed, err)
		}
	}
	return d.fn(ctx, typed)
}

// Registry maps execution-function identifiers to handlers. Safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds h under name.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" || h == nil {
		return fmt.Errorf("register machine function %q: name and handler are required", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateFunction, name)
	}
	r.handlers[name] = h
	return nil
}

// MustRegister is Register for startup code; it panics on error.
func (r *Registry) MustRegister(name string, h Handler) {
	if err := r.Register(name, h); err != nil {
		panic(err)
	}
}

// Lookup returns the handler registered under name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Run executes the function registered under name. A nil output is
// returned as an empty map.
func (r *Registry) Run(ctx context.Context, name string, in Input) (map[string]any, error) {
	h, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, name)
	}
	out, err := h.run(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("machine function %s: %w", name, err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// Names returns the registered identifiers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Validate fails when a machine step of any catalog version names a
// function that is not registered.
func (r *Registry) Validate(catalog *domain.Catalog) error {
	if catalog == nil {
		return nil
	}
	var errs []error
	for _, wf := range catalog.Versions() {
		for _, step := range wf.Steps {
			if step.IsHuman {
				continue
			}
			if _, ok := r.Lookup(step.ExecutionFunction); !ok {
				errs = append(errs, fmt.Errorf("%w: %s step %q needs %q", ErrUnknownFunction, wf.Key(), step.Slug, step.ExecutionFunction))
			}
		}
	}
	return errors.Join(errs...)
}
