package commands

import (
	"context"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/benchlab/pkg/lab"
	"github.com/openfroyo/benchlab/pkg/server"
)

func newServeCommand() *cobra.Command {
	var (
		addr   string
		dbPath string
		watch  bool
	)

	cmd := &cobra.Command{
		Use:   "serve <file>",
		Short: "Serve experiment results over HTTP",
		Long: `Serve a JSON API over the experiment's properties file, scores,
coverage, units and catalog events, plus Prometheus metrics on /metrics.

The properties file is reloaded whenever it changes, so a server can run
next to "benchlab run".

Endpoints:
  GET  /healthz
  GET  /metrics
  GET  /api/experiment
  GET  /api/status
  GET  /api/properties
  GET  /api/scores
  GET  /api/coverage
  GET  /api/units?status=&algorithm=
  GET  /api/units/:id
  GET  /api/events?type=&unit=&level=&limit=&offset=
  POST /api/reload`,
		Example: `  # Serve on the default address
  benchlab serve experiment.cue

  # Serve on another port without watching
  benchlab serve --addr :9000 --watch=false experiment.cue`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if !verbose {
				gin.SetMode(gin.ReleaseMode)
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

			srv, err := server.New(l, tel)
			if err != nil {
				return err
			}
			if watch {
				if err := srv.Watch(ctx); err != nil {
					return err
				}
			}

			log.Info().Str("addr", addr).Str("experiment", l.Experiment().ID).Msg("Serving experiment")
			return srv.ListenAndServe(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&dbPath, "db", "", "catalog path (default: catalog.db in the experiment directory)")
	cmd.Flags().BoolVar(&watch, "watch", true, "reload the properties file when it changes")

	return cmd
}
