package cli

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/unlockd/internal/domain"
)

// accountCommand builds a command that talks to the local database or the
// remote server through api.
func accountCommand(opts *RootOptions, use, short, long string, args cobra.PositionalArgs,
	run func(cmd *cobra.Command, a api, f *OutputFormatter, args []string) error) *cobra.Command {
	return &cobra.Command{
		Use:           use,
		Short:         short,
		Long:          long,
		Args:          args,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, argv []string) error {
			formatter := opts.formatter(cmd)
			a, err := opts.openAPI(cmd.Context(), opts.logger(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer a.Close()
			return run(cmd, a, formatter, argv)
		},
	}
}

// NewBalanceCommand creates the balance command.
func NewBalanceCommand(opts *RootOptions) *cobra.Command {
	return accountCommand(opts, "balance <account>", "Show an account's credit balance",
		"Show an account's credit balance: the sum of every ledger delta.",
		cobra.ExactArgs(1),
		func(cmd *cobra.Command, a api, f *OutputFormatter, args []string) error {
			balance, err := a.Balance(cmd.Context(), args[0])
			if err != nil {
				return f.Fail("balance failed", err)
			}
			return f.Success(
				map[string]any{"account_id": args[0], "balance": balance},
				fmt.Sprintf("%s: %d credits", args[0], balance),
			)
		})
}

// NewLedgerCommand creates the ledger command.
func NewLedgerCommand(opts *RootOptions) *cobra.Command {
	return accountCommand(opts, "ledger <account>", "Show an account's ledger",
		"Show every credit grant, refund and unlock charge of an account in order.",
		cobra.ExactArgs(1),
		func(cmd *cobra.Command, a api, f *OutputFormatter, args []string) error {
			entries, err := a.Ledger(cmd.Context(), args[0])
			if err != nil {
				return f.Fail("ledger failed", err)
			}
			return f.Success(entries, renderLedger(entries))
		})
}

func renderLedger(entries []domain.LedgerEntry) string {
	if len(entries) == 0 {
		return "No ledger entries"
	}
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tDELTA\tREASON\tCREATED")
	var total int64
	for _, e := range entries {
		total += e.Delta
		fmt.Fprintf(w, "%d\t%+d\t%s\t%s\n", e.Seq, e.Delta, e.Reason, e.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"))
	}
	fmt.Fprintf(w, "\t%d\tbalance\t\n", total)
	w.Flush()
	return strings.TrimRight(b.String(), "\n")
}

// CreditOptions holds flags for the credit command.
type CreditOptions struct {
	Reason string
}

// NewCreditCommand creates the credit command.
func NewCreditCommand(opts *RootOptions) *cobra.Command {
	copts := &CreditOptions{}
	cmd := accountCommand(opts, "credit <account> <delta>", "Grant or claw back credits",
		`Append an out-of-band adjustment to an account's ledger. A positive
delta grants credits, a negative one refunds or claws them back; an
adjustment may not take the balance below zero.

Against a remote server this requires --admin-token.

Example:
  unlockd credit acct-42 100 --reason "annual plan"
  unlockd credit --reason "chargeback" acct-42 -- -5`,
		cobra.ExactArgs(2),
		func(cmd *cobra.Command, a api, f *OutputFormatter, args []string) error {
			delta, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return f.Fail("invalid delta", domain.NewInvalidRequest(fmt.Sprintf("delta %q is not an integer", args[1])))
			}
			entry, err := a.Credit(cmd.Context(), args[0], delta, copts.Reason)
			if err != nil {
				return f.Fail("credit failed", err)
			}
			return f.Success(entry, fmt.Sprintf("✓ %s: %+d credits (%s)", entry.AccountID, entry.Delta, entry.Reason))
		})
	cmd.Flags().StringVar(&copts.Reason, "reason", "", "reason recorded in the ledger")
	return cmd
}

// NewEntitlementsCommand creates the entitlements command.
func NewEntitlementsCommand(opts *RootOptions) *cobra.Command {
	return accountCommand(opts, "entitlements <account> <vertical>", "List unlocked record ids",
		"List the record ids an account has unlocked in one vertical.",
		cobra.ExactArgs(2),
		func(cmd *cobra.Command, a api, f *OutputFormatter, args []string) error {
			ids, err := a.Entitlements(cmd.Context(), args[0], args[1])
			if err != nil {
				return f.Fail("entitlements failed", err)
			}
			text := fmt.Sprintf("%d unlocked", len(ids))
			if len(ids) > 0 {
				text += ": " + strings.Join(ids, ", ")
			}
			return f.Success(map[string]any{"account_id": args[0], "vertical": args[1], "ids": ids}, text)
		})
}
