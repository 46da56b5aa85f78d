package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/benchlab/pkg/lab"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate an experiment",
		Long: `Validate an experiment file without running anything.

This command checks:
  - CUE, Starlark or YAML syntax
  - Schema and field validation
  - Report and environment configuration
  - Policy compliance (OPA/rego), built-in and configured policies

It prints the number of run units the experiment expands into.`,
		Example: `  # Validate a CUE experiment
  benchlab validate experiment.cue

  # Validate a starlark experiment with variables
  benchlab validate --var runs=5 experiment.star`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log.Info().Str("path", args[0]).Msg("Validating experiment")

			tel, err := newTelemetry()
			if err != nil {
				return err
			}
			defer shutdownTelemetry(tel)

			l, cfg, err := openLab(ctx, args[0], tel, lab.Options{CatalogPath: "-"})
			if err != nil {
				return err
			}
			defer l.Close(context.Background())

			res, err := checkPolicies(ctx, cfg, l, tel)
			if err != nil {
				return err
			}

			exp := l.Experiment()
			if jsonOutput {
				return printJSON(map[string]interface{}{
					"experiment": exp.ID,
					"units":      len(l.Units()),
					"algorithms": len(exp.Algorithms),
					"problems":   len(exp.Problems()),
					"num_runs":   exp.NumRuns,
					"policies":   res.EvaluatedPolicies,
					"warnings":   res.Warnings,
				})
			}

			fmt.Printf("✓ %s is valid\n", args[0])
			fmt.Printf("  %d units (%d algorithms × %d problems × %d runs)\n",
				len(l.Units()), len(exp.Algorithms), len(exp.Problems()), exp.NumRuns)
			fmt.Printf("  %d policies evaluated, %d warnings\n", len(res.EvaluatedPolicies), len(res.Warnings))
			return nil
		},
	}

	return cmd
}
