package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/benchlab/pkg/engine"
	"github.com/openfroyo/benchlab/pkg/lab"
)

func newStatusCommand() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "status <file>",
		Short: "Show unit status and coverage",
		Long: `Show how many units of an experiment are done, failed or pending, the
coverage of every algorithm and the current aggregate scores.

Counts come from the properties file. When the catalog exists, its
mirrored counts are shown next to them.`,
		Example: `  # Show progress
  benchlab status experiment.cue

  # Machine-readable progress
  benchlab status --json experiment.cue`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			tel, err := newTelemetry()
			if err != nil {
				return err
			}
			defer shutdownTelemetry(tel)

			cfg, err := loadExperiment(ctx, args[0])
			if err != nil {
				return err
			}
			catalog := dbPath
			if catalog == "" {
				catalog = filepath.Join(cfg.ToEngine().Path, catalogFile)
			}
			if _, err := os.Stat(catalog); err != nil {
				catalog = ""
			}

			l, err := lab.New(ctx, cfg, tel, lab.Options{CatalogPath: catalog})
			if err != nil {
				return err
			}
			defer l.Close(context.Background())

			st, err := l.Status(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(st)
			}
			printStatus(st)
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "catalog path (default: catalog.db in the experiment directory)")

	return cmd
}

func printStatus(st *lab.Status) {
	fmt.Printf("Experiment: %s (%d units)\n\n", st.Experiment, st.Expected)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if st.Catalog != nil {
		fmt.Fprintln(w, "STATUS\tPROPERTIES\tCATALOG")
	} else {
		fmt.Fprintln(w, "STATUS\tPROPERTIES")
	}
	for _, s := range engine.AllUnitStatuses {
		if st.Catalog != nil {
			fmt.Fprintf(w, "%s\t%d\t%d\n", s, st.Units[s], st.Catalog[s])
		} else {
			fmt.Fprintf(w, "%s\t%d\n", s, st.Units[s])
		}
	}
	_ = w.Flush()

	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ALGORITHM\tDONE\tCOVERAGE\tIPC SCORE")
	for _, c := range st.Coverage {
		fmt.Fprintf(w, "%s\t%d/%d\t%.1f%%\t%.4f\n", c.Algorithm, c.Done, c.Expected, c.Fraction*100, st.Aggregates[c.Algorithm])
	}
	_ = w.Flush()
}
