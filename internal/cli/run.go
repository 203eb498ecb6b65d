package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/clearwell/studykit/internal/backend"
	"github.com/clearwell/studykit/internal/config"
	"github.com/clearwell/studykit/internal/health"
	"github.com/clearwell/studykit/internal/store"
	"github.com/clearwell/studykit/internal/syncer"
	"github.com/clearwell/studykit/internal/task"
)

// taskRefreshInterval is how often the lifecycle engine sweeps windows
// while running (opens Scheduled tasks, cancels elapsed ones).
const taskRefreshInterval = time.Minute

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database   string
	SamplesDir string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <config.yaml>",
		Short: "Run the task lifecycle and sync engines",
		Long: `Run the study engines against a local SQLite database and the remote
study backend named in the configuration. Health samples are read from
the directory given by --samples (a device-export stand-in for the
platform health data API).

Example:
  studykit run --db ./study.db --samples ./exports study.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngines(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.SamplesDir, "samples", "", "directory of JSON sample files (required)")
	_ = cmd.MarkFlagRequired("db")
	_ = cmd.MarkFlagRequired("samples")

	return cmd
}

func runEngines(opts *RunOptions, configPath string, cmd *cobra.Command) error {
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))

	slog.Info("loading configuration", "path", configPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load configuration", err)
	}

	loc, err := cfg.Location()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to resolve timezone", err)
	}
	missed, err := cfg.MissedPolicy()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid missed-task policy", err)
	}
	specs, err := cfg.SyncSpecs()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid sync specs", err)
	}

	slog.Info("opening database", "path", opts.Database)
	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	// Wire the engines: explicit dependencies, no ambient globals.
	engine := task.New(st,
		task.WithTimezone(loc),
		task.WithMissedPolicy(missed),
	)
	if err := engine.Load(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to load task set", err)
	}
	if err := engine.ApplyDefinitions(ctx, cfg.TaskDefinitions()); err != nil {
		return WrapExitError(ExitCommandError, "failed to apply task definitions", err)
	}
	if err := engine.Refresh(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to refresh task set", err)
	}

	be := backend.NewClient(cfg.Backend.Endpoint, cfg.Backend.ProjectID)
	src := health.NewDirSource(opts.SamplesDir)

	sched := syncer.New(st, src, be, engine, specs,
		syncer.WithBackoff(cfg.Backoff()),
	)
	if err := sched.Load(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to load sync cursors", err)
	}

	// Re-pull the study's task definitions once at startup. A fetch
	// failure is transient and logged; the configuration's definitions
	// stay authoritative until the backend is reachable.
	sched.SyncTasks(ctx)

	// Periodic task window sweep alongside the sync workers.
	go func() {
		ticker := time.NewTicker(taskRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := engine.Refresh(ctx); err != nil {
					slog.Warn("task refresh failed", "error", err)
				}
			}
		}
	}()

	slog.Info("engines starting", "db", opts.Database, "sync_specs", len(specs))
	fmt.Fprintln(cmd.OutOrStdout(), "Engines started. Press Ctrl-C to stop.")

	if err := sched.Run(ctx); err != nil && err != context.Canceled {
		return WrapExitError(ExitFailure, "scheduler error", err)
	}

	slog.Info("engines stopped gracefully")
	return nil
}
