package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/unlockd/internal/domain"
)

// NewUnlockCommand creates the unlock command.
func NewUnlockCommand(opts *RootOptions) *cobra.Command {
	return accountCommand(opts, "unlock <account> <vertical> <record-id>...", "Unlock records for an account",
		`Charge an account for every listed record it has not unlocked yet, and
grant them, in one transaction. Records already unlocked cost nothing.
If the balance cannot cover every new record, nothing is charged.

Example:
  unlockd unlock acct-42 dealflow c1 c2 c3`,
		cobra.MinimumNArgs(3),
		func(cmd *cobra.Command, a api, f *OutputFormatter, args []string) error {
			res, err := a.Unlock(cmd.Context(), args[0], args[1], args[2:])
			if err != nil {
				return f.Fail("unlock failed", err)
			}
			return f.Success(res, renderUnlock(res))
		})
}

func renderUnlock(res domain.UnlockResult) string {
	if res.Noop() {
		return fmt.Sprintf("All %d record(s) already unlocked; nothing charged (balance %d)",
			len(res.AlreadyGranted), res.Balance)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "✓ Unlocked %d record(s) in %s for %d credit(s)\n", len(res.NewlyGranted), res.VerticalKey, res.Charged)
	fmt.Fprintf(&b, "  New: %s\n", strings.Join(res.NewlyGranted, ", "))
	if len(res.AlreadyGranted) > 0 {
		fmt.Fprintf(&b, "  Already unlocked: %s\n", strings.Join(res.AlreadyGranted, ", "))
	}
	fmt.Fprintf(&b, "  Remaining balance: %d", res.Balance)
	return b.String()
}

// NewQuoteCommand creates the quote command.
func NewQuoteCommand(opts *RootOptions) *cobra.Command {
	return accountCommand(opts, "quote <account> <vertical> <record-id>...", "Preview what an unlock would cost",
		`Show what unlocking the listed records would cost right now, without
charging. The quote is advisory; the unlock itself re-checks the balance.`,
		cobra.MinimumNArgs(3),
		func(cmd *cobra.Command, a api, f *OutputFormatter, args []string) error {
			q, err := a.Quote(cmd.Context(), args[0], args[1], args[2:])
			if err != nil {
				return f.Fail("quote failed", err)
			}
			text := fmt.Sprintf("%d selected · %d already unlocked · %d credit(s) to unlock · balance %d",
				q.Selected, len(q.Already), q.Cost, q.Balance)
			if !q.Affordable {
				text += " · Insufficient credits"
			}
			return f.Success(q, text)
		})
}
