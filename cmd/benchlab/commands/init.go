package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/benchlab/pkg/config"
)

func newInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Write a sample experiment",
		Long: `Write a sample experiment.cue into dir (default: the current directory).

The sample defines two algorithms, one suite, an absolute report and a
scatter plot. Edit it, then run "benchlab validate experiment.cue".`,
		Example: `  # Create a sample in the current directory
  benchlab init

  # Create a sample in a new directory
  benchlab init ./ippc-2014`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			path := filepath.Join(dir, config.SampleFileName)

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dir, err)
			}
			if err := os.WriteFile(path, []byte(config.SampleCUE), 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", path, err)
			}

			log.Info().Str("path", path).Msg("Sample experiment written")
			fmt.Printf("✓ Created %s\n", path)
			fmt.Printf("\nNext steps:\n")
			fmt.Printf("  1. Edit the algorithms and suites in %s\n", path)
			fmt.Printf("  2. Validate it: benchlab validate %s\n", path)
			fmt.Printf("  3. Run it: benchlab run %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing experiment file")

	return cmd
}
