package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/clearwell/studykit/internal/store"
	"github.com/clearwell/studykit/internal/task"
)

// TasksOptions holds flags for the tasks command.
type TasksOptions struct {
	*RootOptions
	Database string
}

// taskRow is the JSON form of one task in the listing.
type taskRow struct {
	ID          string     `json:"id"`
	Definition  string     `json:"definition"`
	Title       string     `json:"title"`
	State       string     `json:"state"`
	WindowStart time.Time  `json:"window_start"`
	WindowEnd   time.Time  `json:"window_end"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewTasksCommand creates the tasks command.
func NewTasksCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TasksOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "tasks",
		Short:         "List persisted task occurrences and their states",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasks(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runTasks(opts *TasksOptions, cmd *cobra.Command) error {
	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	tasks, err := st.ListTasks(cmd.Context())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list tasks", err)
	}

	if opts.Format == "json" {
		rows := make([]taskRow, 0, len(tasks))
		for _, t := range tasks {
			rows = append(rows, taskRow{
				ID:          t.ID,
				Definition:  t.DefinitionID,
				Title:       t.Title,
				State:       string(t.State),
				WindowStart: t.WindowStart,
				WindowEnd:   t.WindowEnd,
				CompletedAt: t.CompletedAt,
			})
		}
		formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
		return formatter.JSON(rows)
	}

	renderTasks(cmd.OutOrStdout(), tasks)
	return nil
}

// renderTasks writes the human-readable task table.
func renderTasks(w io.Writer, tasks []task.Task) {
	fmt.Fprintf(w, "%-38s %-16s %-12s %-25s %s\n", "ID", "DEFINITION", "STATE", "WINDOW START", "TITLE")
	for _, t := range tasks {
		fmt.Fprintf(w, "%-38s %-16s %-12s %-25s %s\n",
			t.ID, t.DefinitionID, t.State, t.WindowStart.UTC().Format(time.RFC3339), t.Title)
	}
}
