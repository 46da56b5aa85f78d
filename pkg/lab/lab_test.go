package lab

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/openfroyo/benchlab/pkg/config"
	"github.com/openfroyo/benchlab/pkg/engine"
	"github.com/openfroyo/benchlab/pkg/ledger"
	"github.com/openfroyo/benchlab/pkg/reports"
	"github.com/openfroyo/benchlab/pkg/stores"
)

// scriptedRunner prints round rewards keyed by "algorithm:instance" and
// crashes the units listed in crash.
type scriptedRunner struct {
	rewards map[string][]float64
	crash   map[string]bool

	mu  sync.Mutex
	ran []string
}

func (r *scriptedRunner) Run(_ context.Context, unit *engine.RunUnit) engine.UnitResult {
	r.mu.Lock()
	r.ran = append(r.ran, unit.ID)
	r.mu.Unlock()

	key := unit.Algorithm + ":" + unit.Problem.Instance
	if r.crash[key] {
		err := engine.NewExecutionError("segfault", nil).WithCode(engine.ErrCodeNonZeroExit)
		return engine.UnitResult{UnitID: unit.ID, Status: engine.UnitStatusFailed, ExitCode: 139, Err: err}
	}

	var b strings.Builder
	for _, v := range r.rewards[key] {
		fmt.Fprintf(&b, ">>> END OF ROUND -- REWARD RECEIVED: %g\n", v)
	}
	if err := os.MkdirAll(unit.Dir, 0o755); err != nil {
		return engine.UnitResult{UnitID: unit.ID, Status: engine.UnitStatusFailed, Err: err}
	}
	if err := os.WriteFile(filepath.Join(unit.Dir, engine.StdoutFile), []byte(b.String()), 0o644); err != nil {
		return engine.UnitResult{UnitID: unit.ID, Status: engine.UnitStatusFailed, Err: err}
	}
	return engine.UnitResult{UnitID: unit.ID, Status: engine.UnitStatusDone}
}

func (r *scriptedRunner) runs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ran)
}

type fakeBuilder struct {
	err    error
	builds int
}

func (b *fakeBuilder) Build(context.Context, *engine.Experiment) error {
	b.builds++
	return b.err
}

func twoAlgorithmExperiment(dir string) *config.Experiment {
	cfg := config.NewExperiment()
	cfg.Name = "e2e"
	cfg.Path = dir
	cfg.NumRuns = 1
	cfg.TimeLimit = 60
	cfg.Algorithms = []config.AlgorithmSpec{
		{Name: "A", Command: []string{"planner", "{problem}"}},
		{Name: "B", Command: []string{"planner", "{problem}"}},
	}
	cfg.Suites = []config.SuiteSpec{{
		ID:     "ipc",
		Domain: "dom",
		Problems: []config.ProblemSpec{
			{Instance: "p1", Path: "p1.rddl"},
			{Instance: "p2", Path: "p2.rddl"},
		},
	}}
	cfg.Reports = []reports.Spec{{Output: "scores.json"}}
	return cfg
}

func rewards() map[string][]float64 {
	return map[string][]float64{
		"A:p1": {10, 10},
		"A:p2": {20, 20},
		"B:p1": {5, 5},
		"B:p2": {20, 20},
	}
}

func newLab(t *testing.T, cfg *config.Experiment, opts Options) *Lab {
	t.Helper()
	l, err := New(context.Background(), cfg, nil, opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = l.Close(context.Background()) })
	return l
}

func TestRunEndToEndScores(t *testing.T) {
	ctx := context.Background()
	runner := &scriptedRunner{rewards: rewards()}
	l := newLab(t, twoAlgorithmExperiment(t.TempDir()), Options{
		Runner:      runner,
		Builder:     &fakeBuilder{},
		CatalogPath: stores.MemoryPath,
	})

	result, err := l.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for _, s := range result.Steps {
		if s.Status != engine.StepStatusSucceeded {
			t.Errorf("step %s = %s (%v)", s.Name, s.Status, s.Err)
		}
	}
	if runner.runs() != 4 {
		t.Errorf("expected 4 runs, got %d", runner.runs())
	}

	store, err := ledger.Load(l.Experiment().PropertiesPath())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	wantScores := map[string]float64{
		"A:dom:p1:0": 1,
		"A:dom:p2:0": 1,
		"B:dom:p1:0": 0.5,
		"B:dom:p2:0": 1,
	}
	for id, want := range wantScores {
		attrs, ok := store.Get(id)
		if !ok {
			t.Fatalf("unit %s missing from properties", id)
		}
		got, _ := attrs.Float(ledger.AttrIPCScore)
		if math.Abs(got-want) > 1e-9 {
			t.Errorf("%s ipc_score = %v, want %v", id, got, want)
		}
	}

	st, err := l.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.Aggregates["A"] != 1 || math.Abs(st.Aggregates["B"]-0.75) > 1e-9 {
		t.Errorf("unexpected aggregates: %v", st.Aggregates)
	}
	if st.Units[engine.UnitStatusDone] != 4 || st.Catalog[engine.UnitStatusDone] != 4 {
		t.Errorf("unexpected counts: properties %v catalog %v", st.Units, st.Catalog)
	}

	if _, err := os.Stat(filepath.Join(l.Experiment().ReportDir(), "scores.json")); err != nil {
		t.Errorf("report not written: %v", err)
	}

	exp, err := l.Catalog().GetExperiment(ctx, "e2e")
	if err != nil {
		t.Fatalf("GetExperiment() error = %v", err)
	}
	if exp.Status != stores.ExperimentStatusCompleted {
		t.Errorf("catalog status = %s, want completed", exp.Status)
	}
	props, err := l.Catalog().GetProperties(ctx, "e2e", "B:dom:p1:0")
	if err != nil {
		t.Fatalf("GetProperties() error = %v", err)
	}
	if v, _ := props.Attributes.Float(ledger.AttrAverageReward); v != 5 {
		t.Errorf("mirrored average_reward = %v, want 5", v)
	}
}

func TestRunCrashingUnitReachesReport(t *testing.T) {
	ctx := context.Background()
	runner := &scriptedRunner{rewards: rewards(), crash: map[string]bool{"B:p1": true}}
	l := newLab(t, twoAlgorithmExperiment(t.TempDir()), Options{Runner: runner, Builder: &fakeBuilder{}})

	result, err := l.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := result.Status(engine.StepReport); got != engine.StepStatusSucceeded {
		t.Fatalf("report step = %s", got)
	}

	st, err := l.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.Units[engine.UnitStatusFailed] != 1 || st.Units[engine.UnitStatusDone] != 3 {
		t.Errorf("unexpected counts: %v", st.Units)
	}
	if st.Catalog != nil {
		t.Errorf("expected no catalog counts, got %v", st.Catalog)
	}
	// the crashed unit scores as the floor
	if math.Abs(st.Aggregates["B"]-0.5) > 1e-9 {
		t.Errorf("B aggregate = %v, want 0.5", st.Aggregates["B"])
	}
	for _, c := range st.Coverage {
		if c.Algorithm == "B" && (c.Done != 1 || c.Expected != 2) {
			t.Errorf("unexpected coverage for B: %+v", c)
		}
	}
}

func TestRunSkipsTerminalUnits(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	runner := &scriptedRunner{rewards: rewards()}

	first := newLab(t, twoAlgorithmExperiment(dir), Options{Runner: runner, Builder: &fakeBuilder{}})
	if _, err := first.Run(ctx); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	before, err := os.ReadFile(first.Experiment().PropertiesPath())
	if err != nil {
		t.Fatalf("read properties: %v", err)
	}

	second := newLab(t, twoAlgorithmExperiment(dir), Options{Runner: runner, Builder: &fakeBuilder{}})
	if _, err := second.Run(ctx); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if runner.runs() != 4 {
		t.Errorf("terminal units ran again: %d runs", runner.runs())
	}

	after, err := os.ReadFile(second.Experiment().PropertiesPath())
	if err != nil {
		t.Fatalf("read properties: %v", err)
	}
	if string(before) != string(after) {
		t.Error("properties changed on unchanged outputs")
	}
}

func TestRunBuildErrorHalts(t *testing.T) {
	ctx := context.Background()
	runner := &scriptedRunner{rewards: rewards()}
	l := newLab(t, twoAlgorithmExperiment(t.TempDir()), Options{
		Runner:      runner,
		Builder:     &fakeBuilder{err: engine.NewBuildError("make failed", nil)},
		CatalogPath: stores.MemoryPath,
	})

	result, err := l.Run(ctx)
	if err == nil || !engine.IsFatal(err) {
		t.Fatalf("expected fatal build error, got %v", err)
	}
	if runner.runs() != 0 {
		t.Errorf("units ran after a build failure: %d", runner.runs())
	}
	for _, step := range []engine.StepName{engine.StepStart, engine.StepFetch, engine.StepReport} {
		if got := result.Status(step); got != engine.StepStatusSkipped {
			t.Errorf("step %s = %s, want skipped", step, got)
		}
	}

	exp, err := l.Catalog().GetExperiment(ctx, "e2e")
	if err != nil {
		t.Fatalf("GetExperiment() error = %v", err)
	}
	if exp.Status != stores.ExperimentStatusFailed || !strings.Contains(exp.Error, "make failed") {
		t.Errorf("unexpected catalog entry: %+v", exp)
	}
}

func TestReportOnlyReadsProperties(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	runner := &scriptedRunner{rewards: rewards()}

	l := newLab(t, twoAlgorithmExperiment(dir), Options{Runner: runner, Builder: &fakeBuilder{}})
	if _, err := l.Run(ctx, engine.StepStart, engine.StepFetch); err != nil {
		t.Fatalf("Run(start, fetch) error = %v", err)
	}

	report := newLab(t, twoAlgorithmExperiment(dir), Options{Runner: runner, Builder: &fakeBuilder{}})
	result, err := report.Run(ctx, engine.StepReport)
	if err != nil {
		t.Fatalf("Run(report) error = %v", err)
	}
	if got := result.Status(engine.StepFetch); got != engine.StepStatusPending {
		t.Errorf("fetch step = %s, want pending", got)
	}
	if _, err := os.Stat(filepath.Join(report.Experiment().ReportDir(), "scores.json")); err != nil {
		t.Errorf("report not written: %v", err)
	}
}

func TestPipelineRegistersParseAgainOnRequest(t *testing.T) {
	tests := []struct {
		name       string
		parseAgain bool
		want       []engine.StepName
	}{
		{"default", false, []engine.StepName{engine.StepBuild, engine.StepStart, engine.StepFetch, engine.StepReport}},
		{"parse again", true, engine.KnownSteps},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := twoAlgorithmExperiment(t.TempDir())
			cfg.ParseAgain = tt.parseAgain
			l := newLab(t, cfg, Options{})

			p, err := l.Pipeline()
			if err != nil {
				t.Fatalf("Pipeline() error = %v", err)
			}
			got, err := p.Steps()
			if err != nil {
				t.Fatalf("Steps() error = %v", err)
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("steps = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewRejectsInvalidConfiguration(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Experiment)
		opts   Options
	}{
		{"no output path", func(c *config.Experiment) { c.Path = "" }, Options{}},
		{"scatter with one algorithm", func(c *config.Experiment) {
			c.Reports = []reports.Spec{{Kind: reports.KindScatter, FilterAlgorithm: []string{"A"}, Output: "a.dat"}}
		}, Options{}},
		{"unknown environment", func(*config.Experiment) {}, Options{Environment: "kubernetes"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := twoAlgorithmExperiment(t.TempDir())
			tt.mutate(cfg)
			_, err := New(context.Background(), cfg, nil, tt.opts)
			if err == nil {
				t.Fatal("expected error")
			}
			if engine.ClassOf(err) != engine.ErrorClassConfig {
				t.Errorf("error class = %s, want config (%v)", engine.ClassOf(err), err)
			}
		})
	}
}

func TestOptionsOverrideFile(t *testing.T) {
	floor := -5.0
	cfg := twoAlgorithmExperiment(t.TempDir())
	cfg.Scoring.FloorAlgorithms = []string{"B"}
	cfg.Scoring.Floors = map[string]float64{"dom:p1": 3}
	l := newLab(t, cfg, Options{Parallelism: 2, Floor: &floor})

	if l.cfg.Environment.Local.Processes != 2 || l.Experiment().Resources.Parallelism != 2 {
		t.Errorf("parallelism not applied: %+v", l.cfg.Environment.Local)
	}
	if l.cfg.Scoring.Floor == nil || *l.cfg.Scoring.Floor != -5 {
		t.Errorf("floor = %v, want -5", l.cfg.Scoring.Floor)
	}

	store := ledger.New()
	for _, alg := range []string{"A", "B"} {
		store.Merge(alg+":dom:p1:0", ledger.Attributes{
			ledger.AttrAlgorithm:     ledger.String(alg),
			ledger.AttrDomain:        ledger.String("dom"),
			ledger.AttrProblem:       ledger.String("dom:p1"),
			ledger.AttrSeed:          ledger.Int(0),
			ledger.AttrUnitStatus:    ledger.String("done"),
			ledger.AttrAverageReward: ledger.Number(1),
		})
	}
	b, ok := l.Score(store).Table.Bounds("dom:p1")
	if !ok || b.Floor != -5 {
		t.Errorf("bounds(dom:p1) = %+v, want the overridden floor -5", b)
	}
	if len(l.Units()) != l.Experiment().ExpectedUnits() {
		t.Errorf("unit count %d != expected %d", len(l.Units()), l.Experiment().ExpectedUnits())
	}
}
