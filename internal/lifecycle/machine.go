package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/go-orchestra/internal/domain"
	"github.com/ahrav/go-orchestra/internal/machine"
	"github.com/ahrav/go-orchestra/internal/store"
)

// errSkip ends a transaction early without an error.
var errSkip = errors.New("skip")

func stepAttrs(projectID, stepSlug string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("orchestra.project.id", projectID),
		attribute.String("orchestra.step.slug", stepSlug),
	}
}

// ExecuteMachineStep runs the machine function of a step and completes its
// task with the output. The task moves to PROCESSING with a fresh attempt
// before the function runs, outside any transaction. Finished tasks are
// skipped, so redelivered executions are harmless.
func (s *Service) ExecuteMachineStep(ctx context.Context, projectID, stepSlug string) error {
	var (
		fn    string
		input machine.Input
	)
	err := s.run(ctx, "start_machine_step", "", stepAttrs(projectID, stepSlug), func(ctx context.Context, tx store.Tx, fx *effects) error {
		fx.projectID = projectID
		t, step, err := s.lockMachineTask(ctx, tx, projectID, stepSlug)
		if err != nil {
			return err
		}
		if t.Status.IsTerminal() {
			return errSkip
		}

		attempts := len(t.Assignments)
		a, prev, err := t.AssignMachine(s.now())
		if err != nil {
			return err
		}
		if len(t.Assignments) == attempts {
			trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("orchestra.machine.attempt_reused", true))
			s.logger.DebugContext(ctx, "reusing running machine attempt",
				"project_id", projectID, "step", stepSlug, "assignment_id", a.ID, "assignment_counter", a.AssignmentCounter)
		}
		if err := tx.UpdateTask(ctx, t); err != nil {
			return err
		}
		fx.changed(t, prev, "")

		fn = step.ExecutionFunction
		input, err = s.machineInput(ctx, tx, projectID, step)
		return err
	})
	if errors.Is(err, errSkip) {
		s.logger.InfoContext(ctx, "machine step already finished", "project_id", projectID, "step", stepSlug)
		return nil
	}
	if err != nil {
		return err
	}

	output, err := s.machines.Run(ctx, fn, input)
	if err != nil {
		return err
	}

	err = s.run(ctx, "complete_machine_step", "", stepAttrs(projectID, stepSlug), func(ctx context.Context, tx store.Tx, fx *effects) error {
		fx.projectID = projectID
		t, _, err := s.lockMachineTask(ctx, tx, projectID, stepSlug)
		if err != nil {
			return err
		}
		if t.Status.IsTerminal() {
			return errSkip
		}

		now := s.now()
		_, prev, err := t.CompleteMachineAttempt(output, now)
		if err != nil {
			return err
		}
		if err := tx.UpdateTask(ctx, t); err != nil {
			return err
		}
		fx.changed(t, prev, "")

		p, err := tx.GetProject(ctx, projectID)
		if err != nil {
			return err
		}
		return s.advance(ctx, tx, p, fx, now)
	})
	if errors.Is(err, errSkip) {
		s.logger.InfoContext(ctx, "machine step finished while running; output dropped", "project_id", projectID, "step", stepSlug)
		return nil
	}
	return err
}

// FailMachineStep marks the running attempt of a machine step FAILED after
// the execution side gave up. The task stays in PROCESSING so the step can
// be scheduled again.
func (s *Service) FailMachineStep(ctx context.Context, projectID, stepSlug, reason string) error {
	err := s.run(ctx, "fail_machine_step", "", stepAttrs(projectID, stepSlug), func(ctx context.Context, tx store.Tx, fx *effects) error {
		fx.projectID = projectID
		t, _, err := s.lockMachineTask(ctx, tx, projectID, stepSlug)
		if err != nil {
			return err
		}
		if t.Status.IsTerminal() {
			return errSkip
		}
		if _, err := t.FailMachineAttempt(s.now()); err != nil {
			return err
		}
		return tx.UpdateTask(ctx, t)
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return err
	}
	s.logger.WarnContext(ctx, "machine step failed", "project_id", projectID, "step", stepSlug, "reason", reason)
	return nil
}

func (s *Service) lockMachineTask(ctx context.Context, tx store.Tx, projectID, stepSlug string) (*domain.Task, *domain.Step, error) {
	found, err := tx.GetTaskByStep(ctx, projectID, stepSlug)
	if err != nil {
		return nil, nil, err
	}
	t, err := tx.LockTask(ctx, found.ID)
	if err != nil {
		return nil, nil, err
	}
	_, step, err := s.stepOf(ctx, tx, t)
	if err != nil {
		return nil, nil, err
	}
	if step.IsHuman {
		return nil, nil, fmt.Errorf("%w: %s is a human step", ErrWrongStepKind, step.Slug)
	}
	return t, step, nil
}

// machineInput gathers the project data and the outputs of the step's
// creation dependencies.
func (s *Service) machineInput(ctx context.Context, r store.Reader, projectID string, step *domain.Step) (machine.Input, error) {
	p, err := r.GetProject(ctx, projectID)
	if err != nil {
		return machine.Input{}, err
	}
	in := machine.Input{
		ProjectID:     projectID,
		StepSlug:      step.Slug,
		ProjectData:   p.ProjectData,
		Prerequisites: make(map[string]map[string]any, len(step.CreationDependsOn)),
	}
	for _, dep := range step.CreationDependsOn {
		t, err := r.GetTaskByStep(ctx, projectID, dep)
		if err != nil {
			return machine.Input{}, err
		}
		in.Prerequisites[dep] = t.LatestData()
	}
	return in, nil
}
