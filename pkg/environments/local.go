package environments

import (
	"context"
	"sync"

	"github.com/openfroyo/benchlab/pkg/engine"
	"github.com/openfroyo/benchlab/pkg/telemetry"
)

// Local runs units on this machine with a bounded pool of workers.
type Local struct {
	processes int
	deps      Deps
	logger    *telemetry.Logger
}

// NewLocal creates the local environment.
func NewLocal(cfg LocalConfig, deps Deps) *Local {
	if deps.Telemetry == nil {
		deps.Telemetry = telemetry.NopTelemetry()
	}
	if deps.Runner == nil {
		deps.Runner = NewProcessRunner(deps.Telemetry.Logger)
	}
	return &Local{
		processes: cfg.Processes,
		deps:      deps,
		logger:    deps.Telemetry.Logger.NewComponentLogger("local"),
	}
}

// Name returns the environment kind.
func (l *Local) Name() string {
	return KindLocal
}

func (l *Local) workerCount(res engine.Resources, units int) int {
	n := l.processes
	if n <= 0 {
		n = res.Parallelism
	}
	if n <= 0 {
		n = engine.DefaultParallelism
	}
	if n > units {
		n = units
	}
	return n
}

// Schedule executes units with at most workerCount running at once and
// blocks until each is terminal. Cancelling ctx stops dispatching; units
// that never started stay pending.
func (l *Local) Schedule(ctx context.Context, units []*engine.RunUnit, res engine.Resources) ([]engine.UnitResult, error) {
	results := make([]engine.UnitResult, len(units))
	if len(units) == 0 {
		return results, nil
	}

	workerCount := l.workerCount(res, len(units))
	tel := l.deps.Telemetry
	tel.Metrics.SetQueuedUnits(float64(len(units)))

	l.logger.WithFields(map[string]interface{}{
		"units":   len(units),
		"workers": workerCount,
	}).Info("scheduling units")

	workQueue := make(chan int, len(units))
	for i := range units {
		results[i] = engine.UnitResult{UnitID: units[i].ID, Status: engine.UnitStatusPending}
		workQueue <- i
	}
	close(workQueue)

	var wg sync.WaitGroup
	for w := 0; w < workerCount; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range workQueue {
				if ctx.Err() != nil {
					continue
				}
				results[i] = l.execute(ctx, units[i])
			}
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

func (l *Local) execute(ctx context.Context, unit *engine.RunUnit) engine.UnitResult {
	tel := l.deps.Telemetry
	spanCtx, span := tel.Tracer.StartUnitSpan(ctx, unit.ID, unit.Algorithm, unit.Problem.ID(), KindLocal)
	defer span.End()

	unit.Status = engine.UnitStatusRunning
	tel.Metrics.RecordUnitStarted()

	result := l.deps.Runner.Run(spanCtx, unit)
	if result.UnitID == "" {
		result.UnitID = unit.ID
	}
	if !result.Status.IsTerminal() {
		unit.Status = engine.UnitStatusPending
		telemetry.RecordError(span, result.Err)
		return result
	}

	span.SetAttributes(telemetry.AttrUnitStatus.String(string(result.Status)))
	if result.Err != nil {
		telemetry.RecordError(span, result.Err)
	} else {
		telemetry.RecordSuccess(span)
	}
	finish(l.deps, KindLocal, unit, result)
	return result
}
