// Package engine provides the core types of the benchlab experiment pipeline.
//
// # Overview
//
// benchlab runs planning algorithms over a fixed set of benchmark problems
// and scores them against each other. An experiment moves through five
// selectable steps, always in this order:
//
//  1. build - check out and compile every algorithm (Builder)
//  2. start - execute every pending run unit and parse its output (Environment)
//  3. fetch - merge unit properties into the experiment ledger
//  4. parse_again - re-run the parsers over existing raw outputs
//  5. report - score the ledger and render reports
//
// # Core Domain Types
//
//   - Experiment: algorithms × suites × num_runs, plus resource bounds
//   - RunUnit: one (algorithm, problem, seed) execution with a private directory
//   - UnitResult: the terminal outcome of a unit
//   - UnitRecord: the on-disk execution record (unit.json)
//   - Pipeline: the ordered, selectable steps of one experiment
//   - StepGraph: the ordering constraints between steps
//
// The unit set is fixed by BuildUnits and never changes across steps:
// |algorithms| × |problems| × num_runs units, each with a stable ID
// "algorithm:domain:instance:seed".
//
// # Environments
//
// Units are executed by an Environment, a closed set of variants
// constructed by the environments package:
//
//	type Environment interface {
//	    Name() string
//	    Schedule(ctx context.Context, units []*RunUnit, res Resources) ([]UnitResult, error)
//	}
//
// A unit failure is recorded in its result and never aborts the batch.
//
// # Error Classification
//
// Errors are classified so the pipeline knows what to halt on:
//
//   - Build: fatal, before any unit runs
//   - Config: fatal, invalid top-level configuration
//   - Execution: crash or non-zero exit, recorded per unit
//   - ResourceExceeded: timeout or memory limit, recorded per unit
//   - Parse: partial row, counted as a warning
//   - SchedulerTransient: retried by RetryPolicy, then downgraded to Execution
//
// Use the helper predicates to inspect errors:
//
//	if IsFatal(err) {
//	    // stop the pipeline
//	}
//
// # Example Usage
//
//	units, err := exp.BuildUnits()
//	p := NewPipeline(exp.ID, tel)
//	p.AddStep(StepBuild, func(ctx context.Context) error { return builder.Build(ctx, exp) })
//	p.AddStep(StepStart, func(ctx context.Context) error {
//	    _, err := env.Schedule(ctx, pending(units), exp.Resources)
//	    return err
//	})
//	result, err := p.RunSteps(ctx, StepBuild, StepStart)
//
// # Thread Safety
//
// Pipeline steps run sequentially. Parallelism exists only inside an
// environment's Schedule, where every unit owns its directory.
package engine
