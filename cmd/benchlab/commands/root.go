package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/benchlab/pkg/config"
	"github.com/openfroyo/benchlab/pkg/lab"
	"github.com/openfroyo/benchlab/pkg/policy"
	"github.com/openfroyo/benchlab/pkg/telemetry"
)

// catalogFile is the default catalog name inside the experiment directory.
const catalogFile = "catalog.db"

var (
	// Global flags
	verbose      bool
	jsonOutput   bool
	logFormat    string
	tracing      string
	otlpEndpoint string
	vars         map[string]string

	buildVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	buildVersion = version

	rootCmd := &cobra.Command{
		Use:   "benchlab",
		Short: "benchlab - batch benchmark orchestrator for planning algorithms",
		Long: `benchlab runs planning algorithms over suites of benchmark problems,
collects their rewards into a properties file, normalizes them into
comparable scores and renders reports.

An experiment is a CUE, Starlark or YAML file. It runs as a pipeline of
steps:
  - build        check out and compile every algorithm
  - start        run every (algorithm, problem, seed) unit
  - fetch        parse unit outputs into the properties file
  - parse_again  re-parse existing outputs (when enabled)
  - report       score the properties and write reports`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console, json)")
	rootCmd.PersistentFlags().StringVar(&tracing, "tracing", "none", "trace exporter (none, stdout, otlp)")
	rootCmd.PersistentFlags().StringVar(&otlpEndpoint, "otlp-endpoint", "localhost:4317", "OTLP collector address")
	rootCmd.PersistentFlags().StringToStringVar(&vars, "var", nil, "variables passed to starlark experiments (key=value)")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newReportCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newExportCommand())
	rootCmd.AddCommand(newFactsCommand())

	return rootCmd
}

// newTelemetry builds the telemetry of one command from the global flags.
func newTelemetry() (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = buildVersion
	cfg.Logging.Format = logFormat
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if tracing != "" && tracing != "none" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = tracing
		cfg.Tracing.Endpoint = otlpEndpoint
	}
	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	return tel, nil
}

func shutdownTelemetry(tel *telemetry.Telemetry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tel.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Telemetry shutdown incomplete")
	}
}

// loadExperiment reads an experiment file with the --var values.
func loadExperiment(ctx context.Context, path string) (*config.Experiment, error) {
	starVars := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		starVars[k] = v
	}
	return config.Load(ctx, path, starVars)
}

// openLab loads path and assembles the experiment. A catalog path of "-"
// disables the catalog; an empty one uses the experiment directory.
func openLab(ctx context.Context, path string, tel *telemetry.Telemetry, opts lab.Options) (*lab.Lab, *config.Experiment, error) {
	cfg, err := loadExperiment(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	switch opts.CatalogPath {
	case "-":
		opts.CatalogPath = ""
	case "":
		opts.CatalogPath = filepath.Join(cfg.ToEngine().Path, catalogFile)
		if err := os.MkdirAll(filepath.Dir(opts.CatalogPath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create experiment directory: %w", err)
		}
	}
	l, err := lab.New(ctx, cfg, tel, opts)
	if err != nil {
		return nil, nil, err
	}
	return l, cfg, nil
}

// checkPolicies evaluates the built-in and configured policies against the
// experiment and fails on any blocking violation.
func checkPolicies(ctx context.Context, cfg *config.Experiment, l *lab.Lab, tel *telemetry.Telemetry) (*policy.Result, error) {
	eng, err := policy.NewEngine(*tel.Logger.Zerolog())
	if err != nil {
		return nil, err
	}
	if paths := cfg.PolicyPaths(); len(paths) > 0 {
		if err := eng.LoadPolicies(ctx, paths); err != nil {
			return nil, err
		}
	}
	res, err := eng.EvaluateExperiment(ctx, l.Experiment(), cfg.Environment.Kind)
	if err != nil {
		return nil, err
	}
	for _, w := range res.Warnings {
		log.Warn().Str("policy", w.Policy).Msg(w.Message)
	}
	return res, res.Err()
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
