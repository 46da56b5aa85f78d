package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/benchlab/pkg/engine"
	"github.com/openfroyo/benchlab/pkg/environments"
	"github.com/openfroyo/benchlab/pkg/fetcher"
)

const yamlExperiment = `
name: ippc
path: results
num_runs: 2
time_limit: 120
algorithms:
  - name: prost
    command: ["prost", "{problem}", "{seed}"]
suites:
  - id: ipc2014
    domain: wildfire
    instances: [inst_1, inst_2]
environment:
  kind: slurm
  slurm:
    partition: short
    poll_interval: 5s
    retry:
      max_retries: 1
patterns:
  - attribute: round_reward-all
    regexp: 'ROUND REWARD: ([0-9.]+)'
    list: true
scoring:
  floor: 1.5
  floor_algorithms: [random]
reports:
  - output: ipc.csv
policies: [policies]
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_YAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "exp.yaml", yamlExperiment)

	exp, err := Load(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if exp.Environment.Kind != environments.KindSlurm || exp.Environment.Slurm.PollInterval != 5*time.Second {
		t.Errorf("unexpected environment: %+v", exp.Environment)
	}
	if exp.Environment.Slurm.Retry.MaxRetries != 1 {
		t.Errorf("unexpected retry policy: %+v", exp.Environment.Slurm.Retry)
	}
	if exp.Scoring.Floor == nil || *exp.Scoring.Floor != 1.5 || exp.Scoring.FloorAlgorithms[0] != "random" {
		t.Errorf("unexpected scoring: %+v", exp.Scoring)
	}

	absDir, _ := filepath.Abs(dir)
	if got := exp.PolicyPaths(); len(got) != 1 || got[0] != filepath.Join(absDir, "policies") {
		t.Errorf("PolicyPaths() = %v", got)
	}

	resolved := exp.ToEngine()
	if resolved.Resources.TimeLimit != 2*time.Minute || resolved.ExpectedUnits() != 4 {
		t.Errorf("unexpected resolved experiment: %+v", resolved)
	}
}

func TestLoad_Dispatch(t *testing.T) {
	dir := t.TempDir()
	cue := writeFile(t, dir, "exp.cue", minimalCUE)
	star := writeFile(t, dir, "exp.star", `
experiment("x", "out")
add_algorithm("a", command = ["a"])
add_suite("s", "d", ["i"])
`)
	yml := writeFile(t, dir, "exp.yml", "name: y\npath: out\nalgorithms: [{name: a, command: [a]}]\nsuites: [{id: s, domain: d, instances: [i]}]\n")

	for _, path := range []string{cue, star, yml} {
		t.Run(filepath.Ext(path), func(t *testing.T) {
			exp, err := Load(context.Background(), path, nil)
			if err != nil {
				t.Fatalf("Load(%s) error = %v", path, err)
			}
			if exp.BaseDir == "" {
				t.Error("BaseDir not set")
			}
		})
	}
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		file string
		body string
	}{
		{name: "unsupported extension", file: "exp.toml", body: "name = 'x'"},
		{name: "unknown yaml key", file: "unknown.yaml", body: "name: x\npath: out\nnum_run: 3\n"},
		{name: "missing name", file: "noname.yaml", body: "path: out\nalgorithms: [{name: a, command: [a]}]\n"},
		{name: "algorithm without command", file: "nocmd.yaml", body: "name: x\npath: out\nalgorithms: [{name: a}]\n"},
		{name: "slurm without partition", file: "slurm.yaml", body: "name: x\npath: out\nenvironment: {kind: slurm}\n"},
		{name: "invalid cue", file: "bad.cue", body: "experiment: {name: 1}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, tt.file, tt.body)
			_, err := Load(context.Background(), path, nil)
			if err == nil {
				t.Fatal("expected an error")
			}
			var be *engine.BenchError
			if !errors.As(err, &be) || be.Class != engine.ErrorClassConfig {
				t.Errorf("expected config error, got %v", err)
			}
		})
	}

	if _, err := Load(context.Background(), filepath.Join(dir, "missing.cue"), nil); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestExperiment_ParserChain(t *testing.T) {
	ctx := context.Background()

	exp := NewExperiment()
	chain, err := exp.ParserChain(ctx)
	if err != nil {
		t.Fatalf("ParserChain() error = %v", err)
	}
	if len(chain) != 1 || chain[0].Name() != "reward" {
		t.Errorf("default chain = %v", chain)
	}

	exp.Parsers = []string{"reward", "json"}
	exp.Patterns = []fetcher.Pattern{{Attribute: "total_time", Regexp: `time: ([0-9.]+)`}}
	chain, err = exp.ParserChain(ctx)
	if err != nil {
		t.Fatalf("ParserChain() error = %v", err)
	}
	if len(chain) != 2 || chain[1].Name() != "json" {
		t.Errorf("chain = %v", chain)
	}

	exp.Patterns = []fetcher.Pattern{{Attribute: "x", Regexp: `(`}}
	if _, err := exp.ParserChain(ctx); err == nil {
		t.Error("expected error for invalid pattern")
	}

	exp.Patterns = nil
	exp.Parsers = []string{"python"}
	if _, err := exp.ParserChain(ctx); err == nil {
		t.Error("expected error for unknown parser")
	}
}

func TestParsedConfig_Err(t *testing.T) {
	pc := &ParsedConfig{}
	if pc.Err() != nil {
		t.Error("no errors must give a nil error")
	}

	pc.Errors = []ValidationError{
		{File: "exp.cue", Line: 3, Column: 2, Path: "experiment.num_runs", Message: "out of bound", Severity: "error"},
		{Message: "second", Severity: "error"},
	}
	err := pc.Err()
	var be *engine.BenchError
	if !errors.As(err, &be) {
		t.Fatalf("expected BenchError, got %v", err)
	}
	if be.Details["error_0"] != "exp.cue:3:2: experiment.num_runs: out of bound" || be.Details["error_1"] != "second" {
		t.Errorf("unexpected details: %v", be.Details)
	}
}
