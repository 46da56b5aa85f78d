// Package telemetry provides the observability stack of benchlab.
//
// It bundles structured logging (zerolog), tracing (OpenTelemetry), metrics
// (Prometheus) and an in-process pipeline event publisher behind a single
// Telemetry value that is created once by the CLI and passed to the pipeline.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Logging
//
// Components derive child loggers and enrich them with experiment, step and
// unit fields:
//
//	logger := tel.Logger.NewComponentLogger("environment.local").
//	    WithExperiment(exp.ID).
//	    WithUnit(unit.ID)
//	logger.WithError(err).Warn("unit crashed")
//
// # Tracing
//
// Every pipeline step and every unit execution gets a span. The exporter is
// stdout, OTLP over gRPC, or none.
//
// # Metrics
//
// Metrics live on a private registry and are served by Metrics.Handler.
// Tracked: steps, unit terminal statuses and durations, scheduler retries,
// parse warnings, error classes, aggregate IPC scores and coverage.
//
// # Events
//
// The EventPublisher delivers step and unit lifecycle events to subscribers
// in publish order. The SQLite catalog subscribes to persist them.
package telemetry
