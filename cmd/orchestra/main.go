// Command orchestra runs the staffing HTTP endpoints (serve) or the
// Temporal worker that executes machine steps (worker).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	sdkworker "go.temporal.io/sdk/worker"

	"github.com/ahrav/go-orchestra/internal/config"
	"github.com/ahrav/go-orchestra/internal/httpapi"
	"github.com/ahrav/go-orchestra/internal/worker"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [-config path] [-v] serve|worker\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration; defaults apply when empty")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Usage = usage
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, flag.Arg(0), *configPath); err != nil {
		slog.Error("orchestra exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command, configPath string) error {
	cfg := config.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}

	switch command {
	case "serve":
		return serve(ctx, cfg)
	case "worker":
		return runWorker(ctx, cfg)
	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	a, err := build(ctx, cfg, cfg.Scheduler.Mode == config.SchedulerAsync && cfg.IsProduction())
	if err != nil {
		return err
	}
	defer a.close()

	return httpapi.New(a.engine).ListenAndServe(ctx, cfg.HTTP.Addr)
}

func runWorker(ctx context.Context, cfg *config.Config) error {
	a, err := build(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.close()

	w := sdkworker.New(a.temporal, cfg.Temporal.TaskQueue, sdkworker.Options{})
	if err := worker.RegisterAll(w, a.lifecycle, a.sink); err != nil {
		return err
	}

	stopCh := make(chan any)
	go func() {
		<-ctx.Done()
		close(stopCh)
	}()
	if err := w.Run(stopCh); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("temporal worker: %w", err)
	}
	return nil
}
