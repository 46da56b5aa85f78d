package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/benchlab/pkg/lab"
	"github.com/openfroyo/benchlab/pkg/ledger"
	"github.com/openfroyo/benchlab/pkg/warehouse"
)

// dsnEnv supplies the warehouse DSN when --dsn is not set.
const dsnEnv = "BENCHLAB_WAREHOUSE_DSN"

func newExportCommand() *cobra.Command {
	var (
		dsn     string
		migrate bool
	)

	cmd := &cobra.Command{
		Use:   "export <file>",
		Short: "Export scored results to the MySQL warehouse",
		Long: `Score the experiment's properties file and upsert one row per unit into
the shared MySQL results warehouse. Rows are keyed by (experiment, unit),
so exporting again updates them.

The DSN is read from --dsn or the ` + dsnEnv + ` environment variable.`,
		Example: `  # Export with an explicit DSN
  benchlab export --dsn 'bench:secret@tcp(db:3306)/results?parseTime=True' experiment.cue`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if dsn == "" {
				dsn = os.Getenv(dsnEnv)
			}
			if dsn == "" {
				return fmt.Errorf("no warehouse DSN: set --dsn or %s", dsnEnv)
			}

			tel, err := newTelemetry()
			if err != nil {
				return err
			}
			defer shutdownTelemetry(tel)

			cfg, err := loadExperiment(ctx, args[0])
			if err != nil {
				return err
			}
			l, err := lab.New(ctx, cfg, tel, lab.Options{})
			if err != nil {
				return err
			}
			defer l.Close(context.Background())

			store, err := ledger.Load(l.Experiment().PropertiesPath())
			if err != nil {
				return err
			}
			l.Score(store)

			wh, err := warehouse.Open(dsn, tel.Logger)
			if err != nil {
				return err
			}
			defer wh.Close()

			if migrate {
				if err := wh.Migrate(ctx); err != nil {
					return err
				}
			}
			n, err := wh.Export(ctx, l.Experiment().ID, store)
			if err != nil {
				return err
			}

			log.Info().Int("rows", n).Str("experiment", l.Experiment().ID).Msg("Results exported")
			if jsonOutput {
				return printJSON(map[string]interface{}{"experiment": l.Experiment().ID, "rows": n})
			}
			fmt.Printf("✓ Exported %d rows\n", n)
			return nil
		},
	}

	cmd.Flags().StringVar(&dsn, "dsn", "", "MySQL DSN of the warehouse")
	cmd.Flags().BoolVar(&migrate, "migrate", true, "create or update the results table first")

	return cmd
}
