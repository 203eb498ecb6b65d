package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/clearwell/studykit/internal/config"
	"github.com/clearwell/studykit/internal/store"
	"github.com/clearwell/studykit/internal/syncer"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Database string
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status <config.yaml>",
		Short: "Show per-data-type sync status",
		Long: `Show the delivery watermark and queued-upload state for every
configured data type. A non-zero count of failed ranges exits 1 so
degraded sync is visible to scripts and operators.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runStatus(opts *StatusOptions, configPath string, cmd *cobra.Command) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	specs, err := cfg.SyncSpecs()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid sync specs", err)
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	statuses := make([]syncer.TypeStatus, 0, len(specs))
	degraded := false
	for _, spec := range specs {
		watermark, err := st.Cursor(ctx, spec.DataType)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read cursor", err)
		}
		queue, err := st.QueuedUploads(ctx, spec.DataType)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read queued uploads", err)
		}
		ts := syncer.TypeStatus{DataType: spec.DataType, Watermark: watermark, State: "ok"}
		for _, u := range queue {
			if u.Failed {
				ts.Failed++
			} else {
				ts.Pending++
			}
		}
		if ts.Pending > 0 {
			ts.State = "retrying"
		}
		if ts.Failed > 0 {
			ts.State = "failed"
			degraded = true
		}
		statuses = append(statuses, ts)
	}

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	if opts.Format == "json" {
		if err := formatter.JSON(statuses); err != nil {
			return err
		}
	} else {
		renderStatus(cmd.OutOrStdout(), statuses)
	}

	if degraded {
		return NewExitError(ExitFailure, "one or more data types have exhausted delivery attempts")
	}
	return nil
}

// renderStatus writes the human-readable status table.
func renderStatus(w io.Writer, statuses []syncer.TypeStatus) {
	fmt.Fprintf(w, "%-16s %-25s %8s %7s %s\n", "DATA TYPE", "WATERMARK", "PENDING", "FAILED", "STATE")
	for _, ts := range statuses {
		watermark := "-"
		if !ts.Watermark.IsZero() {
			watermark = ts.Watermark.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%-16s %-25s %8d %7d %s\n", ts.DataType, watermark, ts.Pending, ts.Failed, ts.State)
	}
}
