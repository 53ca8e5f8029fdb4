package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/unlockd/internal/registry"
)

// NewVerticalsCommand creates the verticals command.
func NewVerticalsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verticals",
		Short: "List the configured verticals",
		Long: `List every vertical in the registry with its tables, entitlement key
field and legacy unlock operation.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerticals(rootOpts, cmd)
		},
	}
}

func runVerticals(opts *RootOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	reg, err := opts.loadRegistry()
	if err != nil {
		return formatter.Fail("failed to load registry", err)
	}
	all := reg.All()
	return formatter.Success(all, renderVerticals(all, opts.UnitCost))
}

func renderVerticals(all []registry.Descriptor, unitCost int64) string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tLABEL\tRECORDS\tACCESS\tKEY FIELD\tOPERATION\tCOST")
	for _, d := range all {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s(%s)\t%d\n",
			d.Key, d.Label, d.RecordTable, d.EntitlementTable, d.EntitlementKeyField,
			d.UnlockOperation, d.UnlockOperationParam, d.CostPerRecord(unitCost))
	}
	w.Flush()
	return strings.TrimRight(b.String(), "\n")
}
