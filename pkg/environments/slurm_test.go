package environments

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/benchlab/pkg/engine"
)

// fakeSlurm emulates sbatch and sacct. States are served per job in order;
// the last state repeats.
type fakeSlurm struct {
	mu           sync.Mutex
	nextID       int
	jobs         map[string]string // job id -> script path
	states       map[string][]string
	stateFor     func(script string) []string
	submitErrors []error
	pollErrors   []error
	files        map[string][]byte
	commands     []string
	pollHook     func(id string) bool // true hides the job from one sacct call
}

func newFakeSlurm(stateFor func(script string) []string) *fakeSlurm {
	return &fakeSlurm{
		nextID:   100,
		jobs:     make(map[string]string),
		states:   make(map[string][]string),
		stateFor: stateFor,
		files:    make(map[string][]byte),
	}
}

func (f *fakeSlurm) Run(ctx context.Context, cmd string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)

	switch {
	case strings.HasPrefix(cmd, "sbatch"):
		if len(f.submitErrors) > 0 {
			err := f.submitErrors[0]
			f.submitErrors = f.submitErrors[1:]
			return "", err.Error(), err
		}
		script := strings.Trim(strings.TrimPrefix(cmd, "sbatch --parsable "), "'")
		id := fmt.Sprint(f.nextID)
		f.nextID++
		f.jobs[id] = script
		f.states[id] = f.stateFor(script)
		return id + ";cluster", "", nil

	case strings.HasPrefix(cmd, "sacct"):
		if len(f.pollErrors) > 0 {
			err := f.pollErrors[0]
			f.pollErrors = f.pollErrors[1:]
			return "", err.Error(), err
		}
		ids := strings.Split(cmd[strings.LastIndex(cmd, " ")+1:], ",")
		var lines []string
		for _, id := range ids {
			states := f.states[id]
			if len(states) == 0 {
				continue
			}
			if f.pollHook != nil && f.pollHook(id) {
				continue
			}
			state := states[0]
			if len(states) > 1 {
				f.states[id] = states[1:]
			}
			exit := "0:0"
			if state == "FAILED" {
				exit = "2:0"
			}
			lines = append(lines, fmt.Sprintf("%s|%s|%s|00:01:05", id, state, exit))
		}
		return strings.Join(lines, "\n"), "", nil

	case strings.HasPrefix(cmd, "scancel"):
		return "", "", nil
	}
	return "", "", fmt.Errorf("unexpected command %q", cmd)
}

func (f *fakeSlurm) WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = data
	return nil
}

func (f *fakeSlurm) ReadFile(ctx context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

// cancelled returns the job ids passed to scancel.
func (f *fakeSlurm) cancelled() map[string]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make(map[string]bool)
	for _, cmd := range f.commands {
		if rest, ok := strings.CutPrefix(cmd, "scancel "); ok {
			for _, id := range strings.Fields(rest) {
				ids[id] = true
			}
		}
	}
	return ids
}

func fastSlurmConfig() SlurmConfig {
	return SlurmConfig{
		Partition:    "short",
		PollInterval: time.Millisecond,
		Retry:        engine.RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}
}

func stateBySeed(script string) []string {
	switch {
	case strings.Contains(script, "run-001"):
		return []string{"PENDING", "RUNNING", "TIMEOUT"}
	case strings.Contains(script, "run-002"):
		return []string{"RUNNING", "OUT_OF_MEMORY"}
	default:
		return []string{"PENDING", "COMPLETED"}
	}
}

func TestSlurmScheduleMapsJobStates(t *testing.T) {
	exp := testExperiment(t)
	units, _ := exp.BuildUnits()

	shell := newFakeSlurm(stateBySeed)
	env, err := NewSlurm(fastSlurmConfig(), Deps{Experiment: exp, Shell: shell})
	if err != nil {
		t.Fatalf("NewSlurm: %v", err)
	}

	results, err := env.Schedule(context.Background(), units, exp.Resources)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	for i, u := range units {
		r := results[i]
		var want engine.UnitStatus
		switch u.Seed {
		case 0:
			want = engine.UnitStatusDone
		default:
			want = engine.UnitStatusResourceExceeded
		}
		if r.Status != want {
			t.Errorf("%s status = %s, want %s (%v)", u.ID, r.Status, want, r.Err)
		}
		if r.WallTime != 65*time.Second {
			t.Errorf("%s wall time = %v", u.ID, r.WallTime)
		}
		if _, err := os.Stat(filepath.Join(u.Dir, engine.JobScriptFile)); err != nil {
			t.Errorf("%s has no local job script: %v", u.ID, err)
		}
		rec, _ := engine.ReadRecord(u.Dir)
		if rec == nil || rec.Environment != KindSlurm || rec.Status != want {
			t.Errorf("%s record = %+v", u.ID, rec)
		}
	}
}

func TestSlurmRetriesTransientSubmitFailures(t *testing.T) {
	exp := testExperiment(t)
	units, _ := exp.BuildUnits()
	units = units[:1]

	shell := newFakeSlurm(stateBySeed)
	shell.submitErrors = []error{
		errors.New("sbatch: error: Batch job submission failed: Socket timed out on send/recv operation"),
	}
	env, _ := NewSlurm(fastSlurmConfig(), Deps{Experiment: exp, Shell: shell})

	results, err := env.Schedule(context.Background(), units, exp.Resources)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if results[0].Status != engine.UnitStatusDone {
		t.Fatalf("status = %s, want done (%v)", results[0].Status, results[0].Err)
	}
	if results[0].Attempts != 2 {
		t.Errorf("attempts = %d, want 2", results[0].Attempts)
	}
}

func TestSlurmDowngradesExhaustedRetries(t *testing.T) {
	exp := testExperiment(t)
	units, _ := exp.BuildUnits()
	units = units[:1]

	transient := errors.New("Unable to contact slurm controller (connect failure)")
	shell := newFakeSlurm(stateBySeed)
	shell.submitErrors = []error{transient, transient, transient}
	env, _ := NewSlurm(fastSlurmConfig(), Deps{Experiment: exp, Shell: shell})

	results, err := env.Schedule(context.Background(), units, exp.Resources)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	r := results[0]
	if r.Status != engine.UnitStatusFailed {
		t.Fatalf("status = %s, want failed", r.Status)
	}
	if engine.ClassOf(r.Err) != engine.ErrorClassExecution {
		t.Errorf("class = %s, want execution", engine.ClassOf(r.Err))
	}
	var be *engine.BenchError
	if !errors.As(r.Err, &be) || be.Code != engine.ErrCodeRetryExhausted {
		t.Errorf("expected retry-exhausted error, got %v", r.Err)
	}
	if r.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", r.Attempts)
	}
}

func TestSlurmPermanentSubmitFailureIsNotRetried(t *testing.T) {
	exp := testExperiment(t)
	units, _ := exp.BuildUnits()
	units = units[:1]

	shell := newFakeSlurm(stateBySeed)
	shell.submitErrors = []error{errors.New("sbatch: error: invalid partition name specified")}
	env, _ := NewSlurm(fastSlurmConfig(), Deps{Experiment: exp, Shell: shell})

	results, _ := env.Schedule(context.Background(), units, exp.Resources)
	if results[0].Status != engine.UnitStatusFailed || results[0].Attempts != 1 {
		t.Fatalf("result = %+v", results[0])
	}
}

func TestSlurmTransientPollFailureRecovers(t *testing.T) {
	exp := testExperiment(t)
	units, _ := exp.BuildUnits()
	units = units[:2]

	shell := newFakeSlurm(stateBySeed)
	shell.pollErrors = []error{errors.New("sacct: error: slurm_persist_conn_open: failed")}
	env, _ := NewSlurm(fastSlurmConfig(), Deps{Experiment: exp, Shell: shell})

	results, err := env.Schedule(context.Background(), units, exp.Resources)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	for _, r := range results {
		if !r.Status.IsTerminal() {
			t.Errorf("%s not terminal", r.UnitID)
		}
	}
}

func TestSlurmFailsJobsMissingFromAccounting(t *testing.T) {
	exp := testExperiment(t)
	units, _ := exp.BuildUnits()
	units = units[:2]

	cfg := fastSlurmConfig()
	cfg.MissingPolls = 3
	shell := newFakeSlurm(func(string) []string { return nil })
	env, _ := NewSlurm(cfg, Deps{Experiment: exp, Shell: shell})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	results, err := env.Schedule(ctx, units, exp.Resources)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	cancelled := shell.cancelled()
	for i, r := range results {
		if r.Status != engine.UnitStatusFailed {
			t.Errorf("%s status = %s, want failed", r.UnitID, r.Status)
		}
		var be *engine.BenchError
		if !errors.As(r.Err, &be) || be.Code != engine.ErrCodePollFailed {
			t.Errorf("%s error = %v, want poll failure", r.UnitID, r.Err)
		}
		if rec, _ := engine.ReadRecord(units[i].Dir); rec == nil || rec.Status != engine.UnitStatusFailed {
			t.Errorf("%s record = %+v", r.UnitID, rec)
		}
	}
	for _, id := range []string{"100", "101"} {
		if !cancelled[id] {
			t.Errorf("job %s was not cancelled", id)
		}
	}
}

func TestSlurmMissingJobWithExitCodeCompletes(t *testing.T) {
	exp := testExperiment(t)
	units, _ := exp.BuildUnits()
	units = units[:1]

	cfg := fastSlurmConfig()
	cfg.MissingPolls = 2
	shell := newFakeSlurm(func(string) []string { return nil })
	shell.files[filepath.Join(units[0].Dir, engine.ExitCodeFile)] = []byte("0\n")
	env, _ := NewSlurm(cfg, Deps{Experiment: exp, Shell: shell})

	results, err := env.Schedule(context.Background(), units, exp.Resources)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if results[0].Status != engine.UnitStatusDone {
		t.Fatalf("status = %s (%v)", results[0].Status, results[0].Err)
	}
	if len(shell.cancelled()) != 0 {
		t.Errorf("cancelled %v, want none", shell.cancelled())
	}
}

func TestSlurmMissingCounterResetsWhenJobReappears(t *testing.T) {
	exp := testExperiment(t)
	units, _ := exp.BuildUnits()
	units = units[:1]

	cfg := fastSlurmConfig()
	cfg.MissingPolls = 2
	shell := newFakeSlurm(func(string) []string { return []string{"RUNNING", "RUNNING", "COMPLETED"} })
	env, _ := NewSlurm(cfg, Deps{Experiment: exp, Shell: shell})

	// Each gap is shorter than MissingPolls.
	gaps := 0
	shell.pollHook = func(id string) bool {
		gaps++
		return gaps%2 == 1
	}

	results, err := env.Schedule(context.Background(), units, exp.Resources)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if results[0].Status != engine.UnitStatusDone {
		t.Fatalf("status = %s (%v)", results[0].Status, results[0].Err)
	}
}

func TestSlurmPollFailureCancelsPendingJobs(t *testing.T) {
	exp := testExperiment(t)
	units, _ := exp.BuildUnits()
	units = units[:2]

	shell := newFakeSlurm(stateBySeed)
	shell.pollErrors = []error{errors.New("sacct: error: Problem talking to the database: access denied")}
	env, _ := NewSlurm(fastSlurmConfig(), Deps{Experiment: exp, Shell: shell})

	results, err := env.Schedule(context.Background(), units, exp.Resources)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	for _, r := range results {
		if r.Status != engine.UnitStatusFailed {
			t.Errorf("%s status = %s, want failed", r.UnitID, r.Status)
		}
	}
	cancelled := shell.cancelled()
	if !cancelled["100"] || !cancelled["101"] {
		t.Errorf("cancelled %v, want jobs 100 and 101", cancelled)
	}
}

func TestSlurmRemoteDirCollectsOutputs(t *testing.T) {
	exp := testExperiment(t)
	units, _ := exp.BuildUnits()
	units = units[:1]

	cfg := fastSlurmConfig()
	cfg.RemoteDir = "/scratch/exp"
	shell := newFakeSlurm(stateBySeed)
	remoteDir := "/scratch/exp/" + filepath.ToSlash(engine.UnitDir(units[0].Algorithm, units[0].Problem, 0))
	shell.files[remoteDir+"/"+engine.StdoutFile] = []byte("Immediate reward: 4\n")
	shell.files[remoteDir+"/"+engine.ExitCodeFile] = []byte("0\n")

	env, _ := NewSlurm(cfg, Deps{Experiment: exp, Shell: shell})
	results, err := env.Schedule(context.Background(), units, exp.Resources)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if results[0].Status != engine.UnitStatusDone {
		t.Fatalf("status = %s (%v)", results[0].Status, results[0].Err)
	}
	if _, ok := shell.files[remoteDir+"/"+engine.JobScriptFile]; !ok {
		t.Error("job script was not uploaded to the remote directory")
	}
	out, err := os.ReadFile(filepath.Join(units[0].Dir, engine.StdoutFile))
	if err != nil || string(out) != "Immediate reward: 4\n" {
		t.Errorf("collected stdout = %q, %v", out, err)
	}
}

func TestSlurmCompletedWithNonZeroExitFails(t *testing.T) {
	exp := testExperiment(t)
	units, _ := exp.BuildUnits()
	units = units[:1]
	if err := os.MkdirAll(units[0].Dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(units[0].Dir, engine.ExitCodeFile), []byte("7\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	env, _ := NewSlurm(fastSlurmConfig(), Deps{Experiment: exp, Shell: newFakeSlurm(stateBySeed)})
	results, _ := env.Schedule(context.Background(), units, exp.Resources)
	if results[0].Status != engine.UnitStatusFailed || results[0].ExitCode != 7 {
		t.Errorf("result = %+v", results[0])
	}
}

func TestJobScript(t *testing.T) {
	exp := testExperiment(t)
	units, _ := exp.BuildUnits()
	u := units[0]
	u.MemoryLimitMiB = 4096
	u.TimeLimit = 90*time.Minute + 500*time.Millisecond

	cfg := fastSlurmConfig()
	cfg.Email = "lab@example.org"
	cfg.MailType = "END,FAIL"
	cfg.QOS = "normal"
	cfg.Setup = "module load gcc"
	env, _ := NewSlurm(cfg, Deps{Experiment: exp, Shell: newFakeSlurm(stateBySeed)})

	script := env.JobScript(u, u.Dir)
	for _, want := range []string{
		"#SBATCH --partition=short",
		"#SBATCH --qos=normal",
		"#SBATCH --time=0-01:30:01",
		"#SBATCH --mem=4096M",
		"#SBATCH --mail-user=lab@example.org",
		"#SBATCH --mail-type=END,FAIL",
		"#SBATCH --job-name=A_dom_p1_0",
		"module load gcc",
		"planner p1.rddl 0",
		"exit $rc",
	} {
		if !strings.Contains(script, want) {
			t.Errorf("script missing %q:\n%s", want, script)
		}
	}
}

func TestMapSlurmState(t *testing.T) {
	tests := []struct {
		state    string
		status   engine.UnitStatus
		terminal bool
	}{
		{"PENDING", engine.UnitStatusRunning, false},
		{"RUNNING", engine.UnitStatusRunning, false},
		{"COMPLETED", engine.UnitStatusDone, true},
		{"FAILED", engine.UnitStatusFailed, true},
		{"TIMEOUT", engine.UnitStatusResourceExceeded, true},
		{"OUT_OF_MEMORY", engine.UnitStatusResourceExceeded, true},
		{"CANCELLED by 1000", engine.UnitStatusFailed, true},
		{"CANCELLED+", engine.UnitStatusFailed, true},
		{"NODE_FAIL", engine.UnitStatusFailed, true},
		{"", engine.UnitStatusPending, false},
	}
	for _, tt := range tests {
		status, _, terminal := mapSlurmState(tt.state)
		if status != tt.status || terminal != tt.terminal {
			t.Errorf("mapSlurmState(%q) = %s,%v want %s,%v", tt.state, status, terminal, tt.status, tt.terminal)
		}
	}
}

func TestParseHelpers(t *testing.T) {
	if got := parseJobID("4242;cluster"); got != "4242" {
		t.Errorf("parseJobID = %q", got)
	}
	if got := parseJobID("Submitted batch job"); got != "" {
		t.Errorf("parseJobID of garbage = %q", got)
	}
	if got := parseElapsed("1-02:03:04"); got != 26*time.Hour+3*time.Minute+4*time.Second {
		t.Errorf("parseElapsed = %v", got)
	}
	if got := parseElapsed("05:30.5"); got != 5*time.Minute+30500*time.Millisecond {
		t.Errorf("parseElapsed = %v", got)
	}
	if got := parseExitCode("2:0"); got != 2 {
		t.Errorf("parseExitCode = %d", got)
	}
	if got := parseExitCode("0:9"); got != -1 {
		t.Errorf("parseExitCode signal = %d", got)
	}
}
