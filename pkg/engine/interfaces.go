package engine

import (
	"context"
)

// Environment executes a batch of independent run units.
// Implementations form a closed set (local worker pool, Slurm batch
// scheduler) constructed by the environments package.
type Environment interface {
	// Name returns the environment kind, used in logs, metrics and records.
	Name() string

	// Schedule executes every unit and blocks until all of them are terminal.
	// It returns one result per unit, in input order. A unit failure is
	// recorded in its result and never returned as an error; the error is
	// reserved for cancellation and environment-level faults.
	Schedule(ctx context.Context, units []*RunUnit, res Resources) ([]UnitResult, error)
}

// UnitRunner executes a single run unit as an OS process.
type UnitRunner interface {
	// Run executes the unit, enforcing its time and memory limits, and writes
	// raw outputs into the unit directory.
	Run(ctx context.Context, unit *RunUnit) UnitResult
}

// Builder checks out and compiles algorithms before any unit executes.
type Builder interface {
	// Build prepares every algorithm of the experiment. Any failure is a BuildError.
	Build(ctx context.Context, exp *Experiment) error
}

// StepAction is the body of one pipeline step.
type StepAction func(ctx context.Context) error
