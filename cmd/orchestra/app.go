package main

import (
	"context"
	"errors"
	"log/slog"

	"go.temporal.io/sdk/client"

	"github.com/ahrav/go-orchestra/internal/config"
	"github.com/ahrav/go-orchestra/internal/gatekeeper"
	"github.com/ahrav/go-orchestra/internal/lifecycle"
	"github.com/ahrav/go-orchestra/internal/machine"
	"github.com/ahrav/go-orchestra/internal/scheduler"
	"github.com/ahrav/go-orchestra/internal/staffing"
	"github.com/ahrav/go-orchestra/internal/store"
	"github.com/ahrav/go-orchestra/internal/worker"
	"github.com/ahrav/go-orchestra/pkg/events"
)

// app holds the wired components of one process.
type app struct {
	store     store.Store
	sink      events.EventSink
	engine    *staffing.Engine
	lifecycle *lifecycle.Service
	temporal  client.Client
	closers   []func() error
}

func (a *app) close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	if err := errors.Join(errs...); err != nil {
		slog.Error("shutdown", "error", err)
	}
}

// build wires the store, event sinks, staffing engine, lifecycle service
// and scheduler. withTemporal dials Temporal for the async scheduler and
// the worker.
func build(ctx context.Context, cfg *config.Config, withTemporal bool) (*app, error) {
	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, err
	}
	machines := machine.NewRegistry()
	if err := machine.RegisterBuiltins(machines); err != nil {
		return nil, err
	}
	if err := machines.Validate(catalog); err != nil {
		return nil, err
	}

	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	if a.store, err = worker.InitializeStore(ctx, cfg.Store); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)

	dispatcher, err := worker.InitializeNotifier(cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, dispatcher.Close)

	sink, closeSink, err := worker.InitializeEventSink(ctx, cfg, dispatcher, a.store)
	if err != nil {
		return nil, err
	}
	a.sink = sink
	a.closers = append(a.closers, closeSink)

	gate := gatekeeper.New(cfg.Staffing.MaxActiveAssignments)
	a.engine = staffing.New(a.store, gate, cfg.Features,
		staffing.WithNotifier(dispatcher),
		staffing.WithEventSink(a.sink),
		staffing.WithBaseURL(cfg.BaseURL),
	)
	a.lifecycle = lifecycle.New(a.store, catalog, gate, cfg.Features,
		lifecycle.WithStaffer(a.engine),
		lifecycle.WithMachines(machines),
		lifecycle.WithEventSink(a.sink),
	)

	// A nil client must stay a nil interface so the async scheduler falls
	// back to synchronous execution.
	var starter scheduler.WorkflowStarter
	if withTemporal {
		c, err := worker.InitializeTemporalClient(cfg.Temporal)
		if err != nil {
			return nil, err
		}
		a.temporal = c
		a.closers = append(a.closers, func() error { c.Close(); return nil })
		starter = c
	}
	a.lifecycle.UseScheduler(scheduler.New(cfg, starter, a.lifecycle))

	slog.InfoContext(ctx, "orchestra ready",
		"environment", cfg.Environment,
		"store", cfg.Store.Driver,
		"scheduler", cfg.Scheduler.Mode,
		"workflows", len(catalog.Versions()),
		"machine_functions", machines.Names())
	ok = true
	return a, nil
}
