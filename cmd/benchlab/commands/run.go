package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/benchlab/pkg/engine"
	"github.com/openfroyo/benchlab/pkg/lab"
)

func newRunCommand() *cobra.Command {
	var (
		all         bool
		parallelism int
		env         string
		floor       float64
		dbPath      string
	)

	cmd := &cobra.Command{
		Use:   "run <file> [steps...]",
		Short: "Run experiment steps",
		Long: `Run the selected steps of an experiment, or every registered step.

Steps run one at a time in order: build, start, fetch, parse_again (when
the experiment enables it) and report. Units that already finished are not
run again. A build or configuration error halts the run; failing units do
not.

The experiment, its units and the pipeline events are mirrored into a
SQLite catalog, by default catalog.db in the experiment directory.`,
		Example: `  # Run every step
  benchlab run experiment.cue

  # Only run pending units and fetch their results
  benchlab run experiment.cue start fetch

  # Run on the cluster with a custom floor
  benchlab run --env slurm --floor -100 experiment.cue`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			steps := make([]engine.StepName, 0, len(args)-1)
			for _, a := range args[1:] {
				name := engine.StepName(a)
				if err := name.Validate(); err != nil {
					return err
				}
				steps = append(steps, name)
			}
			if all && len(steps) > 0 {
				return fmt.Errorf("--all cannot be combined with named steps")
			}

			tel, err := newTelemetry()
			if err != nil {
				return err
			}
			defer shutdownTelemetry(tel)

			opts := lab.Options{
				Environment: env,
				Parallelism: parallelism,
				CatalogPath: dbPath,
			}
			if cmd.Flags().Changed("floor") {
				opts.Floor = &floor
			}

			l, cfg, err := openLab(ctx, args[0], tel, opts)
			if err != nil {
				return err
			}
			defer l.Close(context.Background())

			if _, err := checkPolicies(ctx, cfg, l, tel); err != nil {
				return err
			}

			log.Info().
				Str("experiment", l.Experiment().ID).
				Int("units", len(l.Units())).
				Msg("Running experiment")

			result, runErr := l.Run(ctx, steps...)
			if result != nil {
				if jsonOutput {
					if err := printJSON(result); err != nil {
						return err
					}
				} else {
					printSteps(result)
				}
			}
			if runErr != nil {
				return runErr
			}
			return firstStepError(result)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "run every registered step")
	cmd.Flags().IntVarP(&parallelism, "parallelism", "p", 0, "local worker count (default from the experiment, then 4)")
	cmd.Flags().StringVar(&env, "env", "", "environment override (local, slurm)")
	cmd.Flags().Float64Var(&floor, "floor", 0, "scoring floor override")
	cmd.Flags().StringVar(&dbPath, "db", "", `catalog path ("-" disables the catalog)`)

	return cmd
}

func printSteps(result *engine.PipelineResult) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tSTATUS\tDURATION\tERROR")
	for _, s := range result.Steps {
		msg := ""
		if s.Err != nil {
			msg = s.Err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Name, s.Status, s.Duration.Round(time.Millisecond), msg)
	}
	_ = w.Flush()
	fmt.Printf("\nTotal: %s\n", result.Duration.Round(time.Millisecond))
}

// firstStepError returns the error of the first failed step.
func firstStepError(result *engine.PipelineResult) error {
	for _, s := range result.Steps {
		if s.Err != nil {
			return fmt.Errorf("step %s failed: %w", s.Name, s.Err)
		}
	}
	return nil
}
