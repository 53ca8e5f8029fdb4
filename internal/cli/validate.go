package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/unlockd/internal/registry"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid     bool     `json:"valid"`
	Verticals []string `json:"verticals,omitempty"`
	Error     string   `json:"error,omitempty"`
	Line      int      `json:"line,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <registry-file>",
		Short: "Validate a vertical registry file",
		Long: `Validate a vertical registry file without starting anything.

CUE files are unified with the built-in descriptor schema; YAML files are
decoded directly. Both must define unique keys, tables and unlock
operations with lower-case SQL identifiers.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	reg, err := registry.Load(path)
	if err != nil {
		result := ValidationResult{Valid: false, Error: err.Error()}
		var le *registry.LoadError
		if errors.As(err, &le) && le.Pos.IsValid() {
			result.Line = le.Pos.Line()
		}
		_ = formatter.Error("INVALID_REGISTRY", err.Error(), result)
		return WrapExitError(ExitFailure, "registry invalid", err)
	}

	formatter.VerboseLog("Loaded %d vertical(s) from %s", reg.Len(), path)
	result := ValidationResult{Valid: true, Verticals: reg.Keys()}
	return formatter.Success(result, fmt.Sprintf("✓ %s: %d verticals valid", path, reg.Len()))
}
