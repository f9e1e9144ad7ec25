// Package worker wires the machine-step workflow and its activities into a
// Temporal worker, and builds the infrastructure both the worker and the
// HTTP server start from.
package worker

import (
	"fmt"

	"github.com/ahrav/go-orchestra/internal/dispatch"
	"github.com/ahrav/go-orchestra/internal/scheduler"
	"github.com/ahrav/go-orchestra/pkg/activity"
	"github.com/ahrav/go-orchestra/pkg/events"
)

// Registrar is the registration surface of a Temporal worker.
// sdkworker.Worker and the workflow test environment both satisfy it.
type Registrar interface {
	RegisterWorkflow(w any)
	RegisterActivity(a any)
}

// RegisterAll registers MachineStepWorkflow and its activities. The
// dispatch table always binds execute_machine_step to exec; extra entries
// add further functions. Call it once, before starting the worker.
func RegisterAll(w Registrar, exec scheduler.Executor, sink events.EventSink, extra ...dispatch.Entry) error {
	table, err := scheduler.NewTable(exec, extra...)
	if err != nil {
		return fmt.Errorf("build dispatch table: %w", err)
	}
	if err := table.Validate(dispatch.FuncExecuteMachineStep); err != nil {
		return err
	}

	base := activity.NewBaseActivities(sink, "scheduler")

	w.RegisterWorkflow(scheduler.MachineStepWorkflow)
	w.RegisterActivity(scheduler.NewActivities(base, table, exec))
	return nil
}
