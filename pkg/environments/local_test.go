package environments

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openfroyo/benchlab/pkg/engine"
)

// fakeRunner records concurrency and returns canned outcomes by seed.
type fakeRunner struct {
	delay   time.Duration
	active  atomic.Int32
	maxSeen atomic.Int32
	mu      sync.Mutex
	ran     []string
}

func (f *fakeRunner) Run(ctx context.Context, unit *engine.RunUnit) engine.UnitResult {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}

	f.mu.Lock()
	f.ran = append(f.ran, unit.ID)
	f.mu.Unlock()

	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return engine.UnitResult{UnitID: unit.ID, Status: engine.UnitStatusPending, Err: ctx.Err()}
	}

	switch unit.Seed {
	case 1:
		err := engine.NewExecutionError("crashed", nil).WithCode(engine.ErrCodeNonZeroExit)
		return engine.UnitResult{UnitID: unit.ID, Status: engine.UnitStatusFailed, ExitCode: 2, Err: err}
	case 2:
		err := engine.NewResourceExceededError("too slow", nil).WithCode(engine.ErrCodeTimeout)
		return engine.UnitResult{UnitID: unit.ID, Status: engine.UnitStatusResourceExceeded, ExitCode: -1, Err: err}
	default:
		return engine.UnitResult{UnitID: unit.ID, Status: engine.UnitStatusDone, WallTime: f.delay}
	}
}

func testExperiment(t *testing.T) *engine.Experiment {
	t.Helper()
	return &engine.Experiment{
		ID:      "exp-1",
		Name:    "exp",
		Path:    t.TempDir(),
		NumRuns: 3,
		Algorithms: []engine.AlgorithmConfig{
			{Name: "A", Command: []string{"planner", "{problem}", "{seed}"}},
			{Name: "B", Command: []string{"planner", "{problem}", "{seed}"}},
		},
		Suites: []engine.Suite{{
			ID:     "s",
			Domain: "dom",
			Problems: []engine.ProblemInstance{
				{Instance: "p1", Path: "p1.rddl"},
				{Instance: "p2", Path: "p2.rddl"},
			},
		}},
		Resources: engine.Resources{TimeLimit: time.Minute},
	}
}

func TestLocalScheduleBoundsParallelism(t *testing.T) {
	exp := testExperiment(t)
	units, err := exp.BuildUnits()
	if err != nil {
		t.Fatalf("BuildUnits: %v", err)
	}

	runner := &fakeRunner{delay: 20 * time.Millisecond}
	env, err := New(Config{Kind: KindLocal, Local: LocalConfig{Processes: 2}}, Deps{Experiment: exp, Runner: runner})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	results, err := env.Schedule(context.Background(), units, exp.Resources)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if len(results) != len(units) {
		t.Fatalf("got %d results, want %d", len(results), len(units))
	}
	if peak := runner.maxSeen.Load(); peak > 2 {
		t.Errorf("observed %d concurrent units, want at most 2", peak)
	}

	summary := engine.Summarize(results, 0, 0)
	if summary.Done != 4 || summary.Failed != 4 || summary.ResourceExceeded != 4 {
		t.Errorf("summary = %+v", summary)
	}

	for i, u := range units {
		if results[i].UnitID != u.ID {
			t.Errorf("result %d is for %s, want %s", i, results[i].UnitID, u.ID)
		}
		rec, err := engine.ReadRecord(u.Dir)
		if err != nil || rec == nil {
			t.Fatalf("missing record for %s: %v", u.ID, err)
		}
		if rec.Status != u.Status || rec.Environment != KindLocal {
			t.Errorf("record %s: status=%s env=%s, unit status=%s", u.ID, rec.Status, rec.Environment, u.Status)
		}
	}
}

func TestLocalScheduleDefaultsToFourWorkers(t *testing.T) {
	l := NewLocal(LocalConfig{}, Deps{Experiment: &engine.Experiment{}})
	if n := l.workerCount(engine.Resources{}, 100); n != engine.DefaultParallelism {
		t.Errorf("workers = %d, want %d", n, engine.DefaultParallelism)
	}
	if n := l.workerCount(engine.Resources{Parallelism: 8}, 100); n != 8 {
		t.Errorf("workers = %d, want 8", n)
	}
	if n := l.workerCount(engine.Resources{Parallelism: 8}, 3); n != 3 {
		t.Errorf("workers = %d, want 3", n)
	}
}

func TestLocalScheduleCancelLeavesUnitsPending(t *testing.T) {
	exp := testExperiment(t)
	units, err := exp.BuildUnits()
	if err != nil {
		t.Fatalf("BuildUnits: %v", err)
	}

	runner := &fakeRunner{delay: time.Second}
	env := NewLocal(LocalConfig{Processes: 1}, Deps{Experiment: exp, Runner: runner})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	results, err := env.Schedule(ctx, units, exp.Resources)
	if err == nil {
		t.Fatal("expected context error")
	}
	for i, r := range results {
		if r.Status != engine.UnitStatusPending {
			t.Errorf("unit %s status = %s, want pending", units[i].ID, r.Status)
		}
		rec, _ := engine.ReadRecord(units[i].Dir)
		if rec != nil {
			t.Errorf("unit %s has a record after cancellation", units[i].ID)
		}
	}
	if len(runner.ran) != 1 {
		t.Errorf("dispatched %d units after cancellation, want 1", len(runner.ran))
	}
}

func TestRestoreStatusFromRecords(t *testing.T) {
	exp := testExperiment(t)
	units, _ := exp.BuildUnits()

	env := NewLocal(LocalConfig{Processes: 4}, Deps{Experiment: exp, Runner: &fakeRunner{}})
	if _, err := env.Schedule(context.Background(), units[:3], exp.Resources); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	fresh, _ := exp.BuildUnits()
	n, err := engine.RestoreStatus(fresh)
	if err != nil {
		t.Fatalf("RestoreStatus: %v", err)
	}
	if n != 3 {
		t.Errorf("restored %d terminal units, want 3", n)
	}
	for _, u := range fresh[3:] {
		if u.Status != engine.UnitStatusPending {
			t.Errorf("%s status = %s, want pending", u.ID, u.Status)
		}
	}
	if filepath.Base(fresh[0].Dir) != fmt.Sprintf("run-%03d", 0) {
		t.Errorf("unit dir = %s", fresh[0].Dir)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "local", cfg: Config{Kind: KindLocal}},
		{name: "unknown kind", cfg: Config{Kind: "kubernetes"}, wantErr: true},
		{name: "slurm without partition", cfg: Config{Kind: KindSlurm}, wantErr: true},
		{name: "slurm", cfg: Config{Kind: KindSlurm, Slurm: SlurmConfig{Partition: "short"}}},
		{
			name:    "slurm bad email",
			cfg:     Config{Kind: KindSlurm, Slurm: SlurmConfig{Partition: "short", Email: "not-an-email"}},
			wantErr: true,
		},
		{name: "negative processes", cfg: Config{Kind: KindLocal, Local: LocalConfig{Processes: -1}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && engine.ClassOf(err) != engine.ErrorClassConfig {
				t.Errorf("class = %s, want config", engine.ClassOf(err))
			}
		})
	}
}
