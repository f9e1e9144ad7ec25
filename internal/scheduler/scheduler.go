// Package scheduler dispatches machine-step executions. The synchronous
// strategy runs a step in-process; the asynchronous strategy hands it to a
// Temporal workflow whose activities apply the configured timeout and retry
// budget before declaring the step failed. The scheduler itself never retries.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.temporal.io/sdk/client"

	"github.com/ahrav/go-orchestra/internal/config"
	"github.com/ahrav/go-orchestra/internal/dispatch"
)

const tracerName = "github.com/ahrav/go-orchestra/internal/scheduler"

// Scheduler starts the execution of a machine step.
type Scheduler interface {
	Schedule(ctx context.Context, projectID, stepSlug string) error
}

// Executor is the execution side of machine steps. ExecuteMachineStep must
// be idempotent: a step whose task is already finished is skipped.
type Executor interface {
	ExecuteMachineStep(ctx context.Context, projectID, stepSlug string) error
	FailMachineStep(ctx context.Context, projectID, stepSlug, reason string) error
}

// WorkflowStarter starts Temporal workflows; client.Client satisfies it.
type WorkflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow any, args ...any) (client.WorkflowRun, error)
}

// DispatchMessage is the serialized form of one scheduled step.
type DispatchMessage struct {
	ProjectID string `json:"project_id"`
	StepSlug  string `json:"step_slug"`
	Function  string `json:"function"`

	// Timeout and MaxAttempts are the execution side's per-attempt timeout
	// and retry budget.
	Timeout     time.Duration `json:"timeout"`
	MaxAttempts int32         `json:"max_attempts"`
}

// WorkflowID is the Temporal workflow ID of a machine step. Scheduling the
// same step twice while its workflow runs attaches to the running execution.
func WorkflowID(projectID, stepSlug string) string {
	return "machine-step/" + projectID + "/" + stepSlug
}

// Option configures a scheduler.
type Option func(*options)

type options struct {
	logger *slog.Logger
	tracer trace.Tracer
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

func buildOptions(opts []Option) options {
	o := options{
		logger: slog.Default().With("component", "scheduler"),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Synchronous runs steps in-process and returns only once they finished.
type Synchronous struct {
	exec Executor
	options
}

var _ Scheduler = (*Synchronous)(nil)

// NewSynchronous creates a synchronous scheduler.
func NewSynchronous(exec Executor, opts ...Option) *Synchronous {
	return &Synchronous{exec: exec, options: buildOptions(opts)}
}

// Schedule executes the step. On failure the step is declared failed and
// the execution error is returned.
func (s *Synchronous) Schedule(ctx context.Context, projectID, stepSlug string) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.sync",
		trace.WithAttributes(
			attribute.String("orchestra.project.id", projectID),
			attribute.String("orchestra.step.slug", stepSlug),
		),
	)
	defer span.End()

	err := s.exec.ExecuteMachineStep(ctx, projectID, stepSlug)
	if err == nil {
		return nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if ferr := s.exec.FailMachineStep(ctx, projectID, stepSlug, err.Error()); ferr != nil {
		s.logger.ErrorContext(ctx, "mark machine step failed",
			"project_id", projectID, "step", stepSlug, "error", ferr)
	}
	return fmt.Errorf("machine step %s/%s: %w", projectID, stepSlug, err)
}

// Asynchronous starts MachineStepWorkflow for each step. Outside production
// it delegates to a Synchronous scheduler so local development needs no
// Temporal cluster.
type Asynchronous struct {
	starter     WorkflowStarter
	fallback    *Synchronous
	production  bool
	taskQueue   string
	timeout     time.Duration
	maxAttempts int32
	options
}

var _ Scheduler = (*Asynchronous)(nil)

// NewAsynchronous creates an asynchronous scheduler.
func NewAsynchronous(starter WorkflowStarter, exec Executor, environment, taskQueue string, cfg config.Scheduler, opts ...Option) *Asynchronous {
	o := buildOptions(opts)
	return &Asynchronous{
		starter:     starter,
		fallback:    &Synchronous{exec: exec, options: o},
		production:  environment == config.EnvProduction,
		taskQueue:   taskQueue,
		timeout:     cfg.ActivityTimeout,
		maxAttempts: cfg.MaxAttempts,
		options:     o,
	}
}

// Schedule enqueues the step and returns without waiting for it.
func (a *Asynchronous) Schedule(ctx context.Context, projectID, stepSlug string) error {
	if !a.production || a.starter == nil {
		return a.fallback.Schedule(ctx, projectID, stepSlug)
	}

	ctx, span := a.tracer.Start(ctx, "scheduler.async",
		trace.WithAttributes(
			attribute.String("orchestra.project.id", projectID),
			attribute.String("orchestra.step.slug", stepSlug),
		),
	)
	defer span.End()

	msg := DispatchMessage{
		ProjectID:   projectID,
		StepSlug:    stepSlug,
		Function:    dispatch.FuncExecuteMachineStep,
		Timeout:     a.timeout,
		MaxAttempts: a.maxAttempts,
	}
	run, err := a.starter.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        WorkflowID(projectID, stepSlug),
		TaskQueue: a.taskQueue,
	}, MachineStepWorkflow, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("start machine step workflow %s: %w", WorkflowID(projectID, stepSlug), err)
	}

	a.logger.InfoContext(ctx, "machine step dispatched",
		"project_id", projectID,
		"step", stepSlug,
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID())
	return nil
}

// New picks the strategy configured in cfg.
func New(cfg *config.Config, starter WorkflowStarter, exec Executor, opts ...Option) Scheduler {
	if cfg.Scheduler.Mode == config.SchedulerAsync {
		return NewAsynchronous(starter, exec, cfg.Environment, cfg.Temporal.TaskQueue, cfg.Scheduler, opts...)
	}
	return NewSynchronous(exec, opts...)
}
