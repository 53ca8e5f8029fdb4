package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/unlockd/internal/domain"
)

// seedFile is the YAML layout accepted by seed.
//
//	records:
//	  - id: c1
//	    fields: {name: Acme, valuation: 10M}
type seedFile struct {
	Records []struct {
		ID     string         `yaml:"id"`
		Fields map[string]any `yaml:"fields"`
	} `yaml:"records"`
}

// NewSeedCommand creates the seed command.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <vertical> <records.yaml>",
		Short: "Load records into a vertical's record table",
		Long: `Load records from a YAML file into a vertical's record table in the
local database. Existing records with the same id are replaced in place.

Example:
  unlockd seed dealflow ./deals.yaml --db ./unlockd.db`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(rootOpts, args[0], args[1], cmd)
		},
	}
}

func runSeed(opts *RootOptions, vertical, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	logger := opts.logger(cmd.ErrOrStderr())

	data, err := os.ReadFile(path)
	if err != nil {
		return formatter.Fail("failed to read records", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return formatter.Fail("failed to parse records", err)
	}

	reg, st, err := opts.openLocal(cmd.Context(), logger)
	if err != nil {
		return err
	}
	defer st.Close()

	d, err := reg.Lookup(vertical)
	if err != nil {
		return formatter.Fail("seed failed", err)
	}

	recs := make([]domain.Record, 0, len(f.Records))
	for _, r := range f.Records {
		recs = append(recs, domain.Record{ID: r.ID, Fields: r.Fields})
	}
	if err := st.PutRecords(cmd.Context(), d, recs); err != nil {
		return formatter.Fail("seed failed", err)
	}

	formatter.VerboseLog("Seeded %s from %s", d.RecordTable, path)
	return formatter.Success(
		map[string]any{"vertical": d.Key, "records": len(recs)},
		fmt.Sprintf("✓ Seeded %d record(s) into %s", len(recs), d.Key),
	)
}
