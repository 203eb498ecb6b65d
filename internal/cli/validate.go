package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clearwell/studykit/internal/config"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid     bool   `json:"valid"`
	Error     string `json:"error,omitempty"`
	SyncSpecs int    `json:"sync_specs"`
	Tasks     int    `json:"tasks"`
	Flows     int    `json:"flows"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config.yaml>",
		Short: "Validate a study configuration without running it",
		Long: `Validate a study configuration file: sync specs, task definitions,
and step flows. Flow graphs are fully checked: unknown or unreachable
steps and cycles are reported here instead of failing at startup.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}

	cfg, err := config.Load(path)
	if err != nil {
		if opts.Format == "json" {
			if encErr := formatter.JSON(ValidationResult{Valid: false, Error: err.Error()}); encErr != nil {
				return encErr
			}
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "invalid: %v\n", err)
		}
		return NewExitError(ExitFailure, "configuration invalid")
	}

	result := ValidationResult{
		Valid:     true,
		SyncSpecs: len(cfg.Sync),
		Tasks:     len(cfg.Tasks),
		Flows:     len(cfg.Flows),
	}
	if opts.Format == "json" {
		return formatter.JSON(result)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "valid: %d sync spec(s), %d task(s), %d flow(s)\n",
		result.SyncSpecs, result.Tasks, result.Flows)
	return nil
}
