package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/benchlab/pkg/environments"
	"github.com/openfroyo/benchlab/pkg/lab"
)

func newFactsCommand() *cobra.Command {
	var (
		env        string
		namespaces []string
	)

	cmd := &cobra.Command{
		Use:   "facts <file>",
		Short: "Show facts about the machine units run on",
		Long: `Collect the OS, CPU and memory facts of the machine the experiment's
environment runs units on: this machine for local runs, the login node
for Slurm runs. "benchlab run" records the same facts in the catalog.`,
		Example: `  # Facts of the configured environment
  benchlab facts experiment.cue

  # Only the CPU facts of the cluster
  benchlab facts --env slurm --namespace hw.cpu experiment.cue`,
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
			l, err := lab.New(ctx, cfg, tel, lab.Options{Environment: env})
			if err != nil {
				return err
			}
			defer l.Close(context.Background())

			e, err := environments.New(cfg.Environment, environments.Deps{Experiment: l.Experiment(), Telemetry: tel})
			if err != nil {
				return err
			}
			source, ok := e.(environments.FactsSource)
			if !ok {
				return fmt.Errorf("environment %s cannot report facts", e.Name())
			}
			facts, err := source.Facts(ctx, namespaces)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(facts)
			}

			fmt.Printf("Host: %s (collected in %s)\n", facts.Host, facts.Duration)
			for _, ns := range environments.DefaultFactNamespaces {
				if v, ok := facts.Facts[ns]; ok {
					fmt.Printf("  %-10s %+v\n", ns, v)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&env, "env", "", "environment override (local, slurm)")
	cmd.Flags().StringSliceVar(&namespaces, "namespace", nil, "fact namespaces (default: os.basic, hw.cpu, hw.memory)")

	return cmd
}
