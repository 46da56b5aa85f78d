package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/openfroyo/benchlab/pkg/engine"
	"github.com/openfroyo/benchlab/pkg/lab"
)

func newReportCommand() *cobra.Command {
	var (
		floor  float64
		dbPath string
	)

	cmd := &cobra.Command{
		Use:   "report <file>",
		Short: "Score the properties file and write reports",
		Long: `Run the report step only. The properties file is scored as it is; no
unit runs and no output is parsed.`,
		Example: `  # Regenerate every report
  benchlab report experiment.cue

  # Regenerate with a different floor
  benchlab report --floor -50 experiment.cue`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			tel, err := newTelemetry()
			if err != nil {
				return err
			}
			defer shutdownTelemetry(tel)

			opts := lab.Options{CatalogPath: dbPath}
			if cmd.Flags().Changed("floor") {
				opts.Floor = &floor
			}
			l, _, err := openLab(ctx, args[0], tel, opts)
			if err != nil {
				return err
			}
			defer l.Close(context.Background())

			result, err := l.Run(ctx, engine.StepReport)
			if result != nil && jsonOutput {
				if err := printJSON(result); err != nil {
					return err
				}
			} else if result != nil {
				printSteps(result)
			}
			if err != nil {
				return err
			}
			return firstStepError(result)
		},
	}

	cmd.Flags().Float64Var(&floor, "floor", 0, "scoring floor override")
	cmd.Flags().StringVar(&dbPath, "db", "", `catalog path ("-" disables the catalog)`)

	return cmd
}
