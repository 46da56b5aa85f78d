// Package policy checks experiments against Open Policy Agent (OPA) Rego
// policies before any unit is built or scheduled.
//
// # Overview
//
// An experiment is converted into a plain JSON document (see ExperimentInput)
// and every enabled policy is evaluated against it. A policy is a Rego module
// whose package defines a "deny" set. Each entry of the set is either a string
// message or an object with "message", "subject" and an optional "severity".
//
// # Built-in Policies
//
//   - num-runs (error): num_runs must be at least 1
//   - time-limits (error): every problem needs a positive time limit
//   - unit-budget (error): at most MaxUnits run units per experiment
//   - memory-limits (warning): problems should carry a memory limit
//   - revision-pinning (warning): checked-out algorithms should pin a revision
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"./policies"}); err != nil {
//	    return err
//	}
//	result, err := eng.EvaluateExperiment(ctx, exp, "slurm")
//	if err != nil {
//	    return err
//	}
//	if err := result.Err(); err != nil {
//	    return err // fatal ConfigError with code POLICY_DENIED
//	}
//
// # Custom Policies
//
// Custom policies are .rego files, single-policy .json files or bundles
// (files ending in ".bundle.json"). A .rego file is named after its file and
// its leading comments become the description. A "# severity:" comment sets
// the severity, which defaults to warning:
//
//	# Slurm runs must use at least three seeds
//	# severity: error
//	package lab.slurm
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.experiment.environment == "slurm"
//	    input.experiment.num_runs < 3
//	    violation := {"message": "need three runs", "subject": input.experiment.id}
//	}
//
// Violations of error or critical severity deny the experiment. All other
// violations, and policies that fail to evaluate, are reported as warnings.
package policy
