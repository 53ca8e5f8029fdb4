package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/unlockd/internal/registry"
)

// EnvAdminToken is read when --admin-token is not given.
const EnvAdminToken = "UNLOCKD_ADMIN_TOKEN"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	Database   string // local SQLite database
	Server     string // remote unlockd URL; takes precedence over Database
	Registry   string // optional registry override file (.cue/.yaml)
	UnitCost   int64
	AdminToken string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the unlockd CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unlockd",
		Short: "unlockd - credit-gated record unlocks",
		Long: `unlockd tracks which records an account has paid to reveal across the
vertical data browsers, and debits a shared credit balance exactly once per
newly unlocked record.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if opts.UnitCost < 1 {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid --unit-cost %d: must be at least 1", opts.UnitCost))
			}
			if opts.AdminToken == "" {
				opts.AdminToken = os.Getenv(EnvAdminToken)
			}
			return nil
		},
	}

	// Global flags
	pf := cmd.PersistentFlags()
	pf.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	pf.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	pf.StringVar(&opts.Database, "db", "unlockd.db", "path to SQLite database")
	pf.StringVar(&opts.Server, "server", "", "unlockd server URL (use the HTTP API instead of --db)")
	pf.StringVar(&opts.Registry, "registry", "", "vertical registry file (.cue or .yaml); built-in verticals if empty")
	pf.Int64Var(&opts.UnitCost, "unit-cost", 1, "default credits charged per unlocked record")
	pf.StringVar(&opts.AdminToken, "admin-token", "", "admin token (default $"+EnvAdminToken+")")

	// Add subcommands
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewVerticalsCommand(opts))
	cmd.AddCommand(NewSeedCommand(opts))
	cmd.AddCommand(NewBalanceCommand(opts))
	cmd.AddCommand(NewLedgerCommand(opts))
	cmd.AddCommand(NewCreditCommand(opts))
	cmd.AddCommand(NewEntitlementsCommand(opts))
	cmd.AddCommand(NewUnlockCommand(opts))
	cmd.AddCommand(NewQuoteCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   o.Verbose,
	}
}

// logger builds the text logger used by every command: stderr, Debug
// level with --verbose, Info otherwise.
func (o *RootOptions) logger(w io.Writer) *slog.Logger {
	logLevel := slog.LevelInfo
	if o.Verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel}))
}

// loadRegistry returns the override registry, or the built-in one.
func (o *RootOptions) loadRegistry() (*registry.Registry, error) {
	if o.Registry == "" {
		return registry.Default()
	}
	return registry.Load(o.Registry)
}
