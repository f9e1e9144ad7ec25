// Package dispatch is the trusted function table consulted by the queue
// consumer. Messages carry a function name and JSON arguments; only names
// registered here are ever executed, each with a typed argument struct.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// FuncExecuteMachineStep is the function name carried by machine-step
// dispatch messages.
const FuncExecuteMachineStep = "execute_machine_step"

var (
	// ErrUnknownFunction is returned for a name the table does not hold.
	ErrUnknownFunction = errors.New("orchestra/dispatch: unknown function")

	// ErrBadArguments is returned when arguments do not decode into the
	// entry's argument type.
	ErrBadArguments = errors.New("orchestra/dispatch: malformed arguments")
)

// MachineStepArgs are the arguments of execute_machine_step.
type MachineStepArgs struct {
	ProjectID string `json:"project_id"`
	StepSlug  string `json:"step_slug"`
}

// Entry is one table row. The variants are MachineStep and Custom.
type Entry interface {
	Name() string
	invoke(ctx context.Context, args json.RawMessage) error
}

// MachineStep runs a machine step of a project.
type MachineStep struct {
	Run func(ctx context.Context, args MachineStepArgs) error
}

// Name implements Entry.
func (MachineStep) Name() string { return FuncExecuteMachineStep }

func (e MachineStep) invoke(ctx context.Context, raw json.RawMessage) error {
	var args MachineStepArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrBadArguments, FuncExecuteMachineStep, err)
	}
	if args.ProjectID == "" || args.StepSlug == "" {
		return fmt.Errorf("%w: %s: project_id and step_slug are required", ErrBadArguments, FuncExecuteMachineStep)
	}
	return e.Run(ctx, args)
}

type custom[T any] struct {
	name string
	run  func(ctx context.Context, args T) error
}

// Custom registers any other function with typed arguments.
func Custom[T any](name string, run func(ctx context.Context, args T) error) Entry {
	return custom[T]{name: name, run: run}
}

func (c custom[T]) Name() string { return c.name }

func (c custom[T]) invoke(ctx context.Context, raw json.RawMessage) error {
	var args T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrBadArguments, c.name, err)
		}
	}
	return c.run(ctx, args)
}

// Table is immutable once built, so lookups need no locking.
type Table struct {
	entries map[string]Entry
}

// NewTable builds a table; duplicate names are rejected.
func NewTable(entries ...Entry) (*Table, error) {
	t := &Table{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		if e == nil || e.Name() == "" {
			return nil, errors.New("orchestra/dispatch: entry without a name")
		}
		if _, dup := t.entries[e.Name()]; dup {
			return nil, fmt.Errorf("orchestra/dispatch: duplicate function %q", e.Name())
		}
		t.entries[e.Name()] = e
	}
	return t, nil
}

// Has reports whether name is registered.
func (t *Table) Has(name string) bool {
	_, ok := t.entries[name]
	return ok
}

// Names returns the registered names in sorted order.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.entries))
	for n := range t.entries {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Execute decodes args for the named entry and runs it.
func (t *Table) Execute(ctx context.Context, name string, args json.RawMessage) error {
	e, ok := t.entries[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownFunction, name)
	}
	return e.invoke(ctx, args)
}

// Validate fails when any of the required names is missing.
func (t *Table) Validate(required ...string) error {
	var errs []error
	for _, name := range required {
		if !t.Has(name) {
			errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownFunction, name))
		}
	}
	return errors.Join(errs...)
}
