package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/benchlab/pkg/engine"
)

func testExperiment() *engine.Experiment {
	return &engine.Experiment{
		ID:      "exp",
		Path:    "/tmp/exp",
		NumRuns: 2,
		Algorithms: []engine.AlgorithmConfig{
			{Name: "prost", Repo: "https://example.com/prost.git", Revision: "v1.2", Command: []string{"prost"}},
			{Name: "random", Command: []string{"random"}},
		},
		Suites: []engine.Suite{{
			ID:     "ipc2014",
			Domain: "wildfire",
			Problems: []engine.ProblemInstance{
				{Instance: "inst_1"},
				{Instance: "inst_2"},
			},
		}},
		Resources: engine.Resources{TimeLimit: time.Minute, MemoryLimitMiB: 2048},
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(quietLogger())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	expected := []string{"memory-limits", "num-runs", "revision-pinning", "time-limits", "unit-budget"}
	policies := eng.ListPolicies()
	if len(policies) != len(expected) {
		t.Fatalf("Expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, p := range policies {
		if p.Name != expected[i] {
			t.Errorf("Policy %d: expected %s, got %s", i, expected[i], p.Name)
		}
	}
}

func TestEvaluateExperiment(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name      string
		mutate    func(e *engine.Experiment)
		allowed   bool
		violation string
		warning   string
	}{
		{name: "valid experiment", mutate: func(*engine.Experiment) {}, allowed: true},
		{
			name:      "zero runs",
			mutate:    func(e *engine.Experiment) { e.NumRuns = 0 },
			violation: "num-runs",
		},
		{
			name:      "missing time limit",
			mutate:    func(e *engine.Experiment) { e.Resources.TimeLimit = 0 },
			violation: "time-limits",
		},
		{
			name: "step-derived time limit",
			mutate: func(e *engine.Experiment) {
				e.Resources.TimeLimit = 0
				e.TimePerStep = time.Second
				e.Suites[0].Problems[0].Steps = 40
				e.Suites[0].Problems[1].TimeLimit = time.Minute
			},
			allowed: true,
		},
		{
			name: "too many units",
			mutate: func(e *engine.Experiment) {
				e.NumRuns = MaxUnits
			},
			violation: "unit-budget",
		},
		{
			name:    "no memory limit only warns",
			mutate:  func(e *engine.Experiment) { e.Resources.MemoryLimitMiB = 0 },
			allowed: true,
			warning: "memory-limits",
		},
		{
			name:    "moving revision only warns",
			mutate:  func(e *engine.Experiment) { e.Algorithms[0].Revision = "" },
			allowed: true,
			warning: "revision-pinning",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp := testExperiment()
			tt.mutate(exp)

			result, err := eng.EvaluateExperiment(context.Background(), exp, "local")
			if err != nil {
				t.Fatalf("Evaluation failed: %v", err)
			}
			if tt.violation != "" {
				tt.allowed = false
			}
			if result.Allowed != tt.allowed {
				t.Errorf("Expected allowed=%v, got %v: %+v", tt.allowed, result.Allowed, result.Violations)
			}
			if tt.violation != "" && !hasPolicy(result.Violations, tt.violation) {
				t.Errorf("Expected violation of %s, got %+v", tt.violation, result.Violations)
			}
			if tt.warning != "" && !hasPolicy(result.Warnings, tt.warning) {
				t.Errorf("Expected warning from %s, got %+v", tt.warning, result.Warnings)
			}
			if tt.allowed && tt.warning == "" && len(result.Warnings) != 0 {
				t.Errorf("Unexpected warnings: %+v", result.Warnings)
			}
		})
	}
}

func hasPolicy(vs []Violation, name string) bool {
	for _, v := range vs {
		if v.Policy == name {
			return true
		}
	}
	return false
}

func TestResultErr(t *testing.T) {
	eng := newTestEngine(t)
	exp := testExperiment()
	exp.NumRuns = 0

	result, err := eng.EvaluateExperiment(context.Background(), exp, "local")
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}

	denied := result.Err()
	var be *engine.BenchError
	if !errors.As(denied, &be) {
		t.Fatalf("Expected BenchError, got %v", denied)
	}
	if be.Code != engine.ErrCodePolicyDenied || !engine.IsFatal(denied) {
		t.Errorf("Expected fatal policy error, got %v", denied)
	}
	if be.Details["violation_0"] == nil {
		t.Errorf("Expected violation details, got %v", be.Details)
	}

	if (&Result{Allowed: true}).Err() != nil {
		t.Error("Allowed result must not produce an error")
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	exp := testExperiment()
	exp.NumRuns = 0

	if err := eng.DisablePolicy("num-runs"); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}
	result, err := eng.EvaluateExperiment(context.Background(), exp, "local")
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if hasPolicy(result.Violations, "num-runs") {
		t.Error("Disabled policy still evaluated")
	}

	if err := eng.EnablePolicy("num-runs"); err != nil {
		t.Fatalf("Failed to enable policy: %v", err)
	}
	result, _ = eng.EvaluateExperiment(context.Background(), exp, "local")
	if !hasPolicy(result.Violations, "num-runs") {
		t.Error("Re-enabled policy not evaluated")
	}

	if err := eng.EnablePolicy("missing"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestLoadPolicies_Custom(t *testing.T) {
	eng := newTestEngine(t)

	dir := t.TempDir()
	custom := `# Slurm runs must use at least three seeds
# severity: error
package custom.slurm

import rego.v1

deny contains violation if {
	input.experiment.environment == "slurm"
	input.experiment.num_runs < 3
	violation := {"message": "slurm experiments need at least three runs", "subject": input.experiment.id}
}
`
	if err := os.WriteFile(filepath.Join(dir, "slurm-runs.rego"), []byte(custom), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies: %v", err)
	}

	exp := testExperiment()
	local, _ := eng.EvaluateExperiment(context.Background(), exp, "local")
	if !local.Allowed {
		t.Errorf("Local experiment denied: %+v", local.Violations)
	}

	slurm, _ := eng.EvaluateExperiment(context.Background(), exp, "slurm")
	if slurm.Allowed || !hasPolicy(slurm.Violations, "slurm-runs") {
		t.Errorf("Expected slurm-runs violation, got %+v", slurm.Violations)
	}
	if slurm.Violations[0].Subject != "exp" {
		t.Errorf("Expected subject exp, got %q", slurm.Violations[0].Subject)
	}
}

func TestLoadPolicies_InvalidRego(t *testing.T) {
	eng := newTestEngine(t)

	path := filepath.Join(t.TempDir(), "broken.rego")
	if err := os.WriteFile(path, []byte("package broken\ndeny contains if {"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := eng.LoadPolicies(context.Background(), []string{path}); err == nil {
		t.Error("Expected compile error")
	}
}
