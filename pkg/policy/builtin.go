package policy

import (
	"time"
)

// MaxUnits is the largest experiment the unit-budget policy admits.
const MaxUnits = 1_000_000

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		numRunsPolicy(),
		timeLimitPolicy(),
		unitBudgetPolicy(),
		memoryLimitPolicy(),
		revisionPinningPolicy(),
	}
}

// numRunsPolicy rejects experiments without at least one repeat run.
func numRunsPolicy() Policy {
	return Policy{
		Name:        "num-runs",
		Description: "Every (algorithm, problem) pair must run at least once",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"experiment"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package benchlab.policies.runs

import rego.v1

deny contains violation if {
	input.experiment.num_runs < 1
	violation := {
		"message": sprintf("num_runs must be at least 1, got %d", [input.experiment.num_runs]),
		"subject": input.experiment.id,
	}
}`,
	}
}

// timeLimitPolicy requires a wall-clock bound for every problem.
func timeLimitPolicy() Policy {
	return Policy{
		Name:        "time-limits",
		Description: "Every problem must resolve to a positive time limit",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"resources"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package benchlab.policies.timelimits

import rego.v1

deny contains violation if {
	some problem in input.experiment.problems
	problem.time_limit <= 0
	violation := {
		"message": sprintf("problem %s has no time limit; set time_limit, steps with time_per_step, or a default", [problem.id]),
		"subject": problem.id,
	}
}`,
	}
}

// unitBudgetPolicy rejects experiments that expand into too many units.
func unitBudgetPolicy() Policy {
	return Policy{
		Name:        "unit-budget",
		Description: "Experiments may not exceed 1,000,000 run units",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"experiment", "resources"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package benchlab.policies.budget

import rego.v1

max_units := 1000000

deny contains violation if {
	input.experiment.expected_units > max_units
	violation := {
		"message": sprintf("experiment expands into %d units, the limit is %d", [input.experiment.expected_units, max_units]),
		"subject": input.experiment.id,
	}
}`,
	}
}

// memoryLimitPolicy warns about problems that run without a memory bound.
func memoryLimitPolicy() Policy {
	return Policy{
		Name:        "memory-limits",
		Description: "Problems should run with a memory limit",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"resources"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package benchlab.policies.memory

import rego.v1

deny contains violation if {
	some problem in input.experiment.problems
	problem.memory_limit_mib <= 0
	violation := {
		"message": sprintf("problem %s runs without a memory limit", [problem.id]),
		"subject": problem.id,
	}
}`,
	}
}

// revisionPinningPolicy warns when a checked-out algorithm tracks a moving revision.
func revisionPinningPolicy() Policy {
	return Policy{
		Name:        "revision-pinning",
		Description: "Algorithms built from source should pin a revision",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"build", "reproducibility"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package benchlab.policies.revisions

import rego.v1

moving := {"", "HEAD", "main", "master", "default", "tip"}

deny contains violation if {
	some algorithm in input.experiment.algorithms
	algorithm.repo != ""
	object.get(algorithm, "revision", "") in moving
	violation := {
		"message": sprintf("algorithm %s builds from a moving revision", [algorithm.name]),
		"subject": algorithm.name,
	}
}`,
	}
}
