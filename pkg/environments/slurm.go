package environments

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/openfroyo/benchlab/pkg/engine"
	"github.com/openfroyo/benchlab/pkg/telemetry"
	"github.com/openfroyo/benchlab/pkg/transports/ssh"
)

// transientMarkers are scheduler messages that indicate a temporary outage.
var transientMarkers = []string{
	"Socket timed out",
	"Unable to contact slurm controller",
	"temporarily unable",
	"Resource temporarily unavailable",
	"Connection refused",
	"Transport endpoint is not connected",
	"Zero Bytes were transmitted",
	"slurm_persist_conn_open",
}

// defaultMissingPolls bounds how long a job may be invisible to sacct.
const defaultMissingPolls = 10

// collectFiles are copied back from the cluster when RemoteDir is set.
var collectFiles = []string{
	engine.StdoutFile,
	engine.StderrFile,
	engine.ExitCodeFile,
	engine.ValuesFile,
}

// Slurm submits one batch job per unit and polls the accounting database
// until every job is terminal.
type Slurm struct {
	cfg    SlurmConfig
	deps   Deps
	shell  Shell
	client *ssh.Client
	logger *telemetry.Logger
}

// NewSlurm creates the Slurm environment. Commands run through deps.Shell if
// set, then through SSH if configured, else on this machine.
func NewSlurm(cfg SlurmConfig, deps Deps) (*Slurm, error) {
	if deps.Telemetry == nil {
		deps.Telemetry = telemetry.NopTelemetry()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry = engine.DefaultRetryPolicy()
	}
	if cfg.MissingPolls <= 0 {
		cfg.MissingPolls = defaultMissingPolls
	}

	s := &Slurm{
		cfg:    cfg,
		deps:   deps,
		shell:  deps.Shell,
		logger: deps.Telemetry.Logger.NewComponentLogger("slurm"),
	}
	if s.shell == nil {
		if cfg.SSH != nil {
			client, err := ssh.NewClient(cfg.SSH, deps.Telemetry.Logger)
			if err != nil {
				return nil, engine.NewConfigError("invalid cluster ssh configuration", err)
			}
			s.client = client
			s.shell = client
		} else {
			s.shell = LocalShell{}
		}
	}
	return s, nil
}

// Name returns the environment kind.
func (s *Slurm) Name() string {
	return KindSlurm
}

type slurmJob struct {
	index     int
	unit      *engine.RunUnit
	id        string
	remoteDir string
	attempts  int
	missing   int // consecutive polls without an sacct row
}

// Schedule submits every unit and waits for the jobs to finish.
func (s *Slurm) Schedule(ctx context.Context, units []*engine.RunUnit, res engine.Resources) ([]engine.UnitResult, error) {
	results := make([]engine.UnitResult, len(units))
	for i, u := range units {
		results[i] = engine.UnitResult{UnitID: u.ID, Status: engine.UnitStatusPending}
	}
	if len(units) == 0 {
		return results, nil
	}

	if s.client != nil {
		if err := s.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return results, ctx.Err()
			}
			for i, u := range units {
				results[i] = s.failed(u, err, 0)
			}
			return results, nil
		}
		defer s.client.Close()
	}

	tel := s.deps.Telemetry
	tel.Metrics.SetQueuedUnits(float64(len(units)))
	s.logger.Infof("submitting %d jobs to partition %s", len(units), s.cfg.Partition)

	pending := make(map[string]*slurmJob, len(units))
	for i, u := range units {
		job, err := s.submit(ctx, i, u)
		if ctx.Err() != nil {
			s.cancelJobs(pending)
			return results, ctx.Err()
		}
		if err != nil {
			results[i] = s.failed(u, err, job.attempts)
			continue
		}
		u.Status = engine.UnitStatusRunning
		tel.Metrics.RecordUnitStarted()
		pending[job.id] = job
	}

	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			s.cancelJobs(pending)
			return results, ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}

		rows, err := s.poll(ctx, pending)
		if err != nil {
			if ctx.Err() != nil {
				s.cancelJobs(pending)
				return results, ctx.Err()
			}
			s.cancelJobs(pending)
			for id, job := range pending {
				results[job.index] = s.failed(job.unit, err, job.attempts)
				delete(pending, id)
			}
			break
		}

		for id, job := range pending {
			row, ok := rows[id]
			if !ok {
				if result, gone := s.missing(ctx, job); gone {
					results[job.index] = result
					delete(pending, id)
				}
				continue
			}
			job.missing = 0
			result, terminal := s.collect(ctx, job, row)
			if !terminal {
				continue
			}
			results[job.index] = result
			finish(s.deps, KindSlurm, job.unit, result)
			delete(pending, id)
		}
	}

	return results, nil
}

func (s *Slurm) connect(ctx context.Context) error {
	_, err := s.cfg.Retry.Do(ctx, "ssh connect", func() error {
		err := s.client.Connect(ctx)
		if err != nil && ssh.IsTemporary(err) {
			return engine.NewSchedulerTransientError("ssh connect failed", err)
		}
		if err != nil {
			return engine.NewExecutionError("ssh connect failed", err).WithCode(engine.ErrCodeSubmitFailed)
		}
		return nil
	}, func(attempt int, err error) {
		s.deps.Telemetry.Metrics.RecordSchedulerRetry("connect")
		s.logger.WithError(err).Warnf("retrying ssh connect (attempt %d)", attempt)
	})
	return err
}

func (s *Slurm) failed(unit *engine.RunUnit, err error, attempts int) engine.UnitResult {
	result := engine.UnitResult{
		UnitID:   unit.ID,
		Status:   engine.StatusForError(err),
		ExitCode: -1,
		Attempts: attempts,
		Err:      err,
	}
	finish(s.deps, KindSlurm, unit, result)
	return result
}

// remotePath maps a local experiment path onto the cluster.
func (s *Slurm) remotePath(local string) string {
	if s.cfg.RemoteDir == "" {
		return local
	}
	rel, err := filepath.Rel(s.deps.Experiment.Path, local)
	if err != nil || strings.HasPrefix(rel, "..") {
		return local
	}
	return path.Join(s.cfg.RemoteDir, filepath.ToSlash(rel))
}

func (s *Slurm) remoteCommand(argv []string) []string {
	if s.cfg.RemoteDir == "" {
		return argv
	}
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = strings.ReplaceAll(a, s.deps.Experiment.Path, s.cfg.RemoteDir)
	}
	return out
}

// JobScript renders the sbatch script of one unit.
func (s *Slurm) JobScript(unit *engine.RunUnit, dir string) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&b, "#SBATCH --job-name=%s\n", strings.ReplaceAll(unit.ID, ":", "_"))
	fmt.Fprintf(&b, "#SBATCH --partition=%s\n", s.cfg.Partition)
	if s.cfg.QOS != "" {
		fmt.Fprintf(&b, "#SBATCH --qos=%s\n", s.cfg.QOS)
	}
	if unit.TimeLimit > 0 {
		fmt.Fprintf(&b, "#SBATCH --time=%s\n", formatSlurmTime(unit.TimeLimit))
	}
	if unit.MemoryLimitMiB > 0 {
		fmt.Fprintf(&b, "#SBATCH --mem=%dM\n", unit.MemoryLimitMiB)
	}
	if s.cfg.CPUsPerTask > 0 {
		fmt.Fprintf(&b, "#SBATCH --cpus-per-task=%d\n", s.cfg.CPUsPerTask)
	}
	fmt.Fprintf(&b, "#SBATCH --output=%s\n", path.Join(dir, engine.StdoutFile))
	fmt.Fprintf(&b, "#SBATCH --error=%s\n", path.Join(dir, engine.StderrFile))
	if s.cfg.Email != "" {
		fmt.Fprintf(&b, "#SBATCH --mail-user=%s\n", s.cfg.Email)
		fmt.Fprintf(&b, "#SBATCH --mail-type=%s\n", s.cfg.MailType)
	}
	for _, opt := range s.cfg.ExtraOptions {
		fmt.Fprintf(&b, "#SBATCH %s\n", opt)
	}
	b.WriteString("\n")
	if s.cfg.Setup != "" {
		b.WriteString(strings.TrimRight(s.cfg.Setup, "\n"))
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "cd %s || exit 1\n", shellQuote(dir))
	b.WriteString(shellJoin(s.remoteCommand(unit.Command)))
	b.WriteString("\nrc=$?\n")
	fmt.Fprintf(&b, "echo $rc > %s\n", shellQuote(path.Join(dir, engine.ExitCodeFile)))
	b.WriteString("exit $rc\n")
	return b.String()
}

func (s *Slurm) submit(ctx context.Context, index int, unit *engine.RunUnit) (*slurmJob, error) {
	job := &slurmJob{index: index, unit: unit, remoteDir: s.remotePath(unit.Dir)}
	script := s.JobScript(unit, job.remoteDir)

	if err := os.MkdirAll(unit.Dir, 0o755); err != nil {
		return job, engine.NewExecutionError("failed to create unit directory", err).WithUnit(unit.ID)
	}
	if err := os.WriteFile(filepath.Join(unit.Dir, engine.JobScriptFile), []byte(script), 0o755); err != nil {
		return job, engine.NewExecutionError("failed to write job script", err).WithUnit(unit.ID)
	}
	remoteScript := path.Join(job.remoteDir, engine.JobScriptFile)

	attempts, err := s.cfg.Retry.Do(ctx, "sbatch", func() error {
		if s.cfg.RemoteDir != "" || s.client != nil {
			if err := s.shell.WriteFile(ctx, remoteScript, []byte(script), 0o755); err != nil {
				return classify("upload job script", err, "", engine.ErrCodeSubmitFailed)
			}
		}
		out, stderr, err := s.shell.Run(ctx, "sbatch --parsable "+shellQuote(remoteScript))
		if err != nil {
			return classify("sbatch", err, stderr, engine.ErrCodeSubmitFailed)
		}
		job.id = parseJobID(out)
		if job.id == "" {
			return engine.NewExecutionError(fmt.Sprintf("sbatch returned no job id: %q", out), nil).
				WithCode(engine.ErrCodeSubmitFailed)
		}
		return nil
	}, func(attempt int, err error) {
		s.deps.Telemetry.Metrics.RecordSchedulerRetry("submit")
		s.logger.WithUnit(unit.ID).WithError(err).Warnf("retrying submission (attempt %d)", attempt)
	})
	job.attempts = attempts
	if err != nil {
		var be *engine.BenchError
		if errors.As(err, &be) {
			be.WithUnit(unit.ID)
		}
		return job, err
	}

	s.logger.WithUnit(unit.ID).Debugf("submitted job %s", job.id)
	return job, nil
}

// sacctRow is one line of sacct output.
type sacctRow struct {
	JobID    string
	State    string
	ExitCode string
	Elapsed  string
}

func (s *Slurm) poll(ctx context.Context, pending map[string]*slurmJob) (map[string]sacctRow, error) {
	ids := make([]string, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	cmd := "sacct -n -P -X -o JobID,State,ExitCode,Elapsed -j " + strings.Join(ids, ",")

	var rows map[string]sacctRow
	_, err := s.cfg.Retry.Do(ctx, "sacct", func() error {
		out, stderr, err := s.shell.Run(ctx, cmd)
		if err != nil {
			return classify("sacct", err, stderr, engine.ErrCodePollFailed)
		}
		rows = parseSacct(out)
		return nil
	}, func(attempt int, err error) {
		s.deps.Telemetry.Metrics.RecordSchedulerRetry("poll")
		s.logger.WithError(err).Warnf("retrying job poll (attempt %d)", attempt)
	})
	return rows, err
}

// collect turns a terminal sacct row into a unit result.
func (s *Slurm) collect(ctx context.Context, job *slurmJob, row sacctRow) (engine.UnitResult, bool) {
	status, code, terminal := mapSlurmState(row.State)
	if !terminal {
		return engine.UnitResult{}, false
	}

	if job.remoteDir != job.unit.Dir {
		s.download(ctx, job)
	}

	result := engine.UnitResult{
		UnitID:   job.unit.ID,
		Status:   status,
		ExitCode: parseExitCode(row.ExitCode),
		WallTime: parseElapsed(row.Elapsed),
		Attempts: job.attempts,
	}
	if data, err := os.ReadFile(filepath.Join(job.unit.Dir, engine.ExitCodeFile)); err == nil {
		if rc, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil {
			result.ExitCode = rc
		}
	}
	if status == engine.UnitStatusDone && result.ExitCode != 0 {
		status, code = engine.UnitStatusFailed, engine.ErrCodeNonZeroExit
		result.Status = status
	}

	msg := fmt.Sprintf("job %s ended %s", job.id, row.State)
	switch status {
	case engine.UnitStatusResourceExceeded:
		result.Err = engine.NewResourceExceededError(msg, nil).WithUnit(job.unit.ID).WithCode(code)
	case engine.UnitStatusFailed:
		result.Err = engine.NewExecutionError(msg, nil).WithUnit(job.unit.ID).WithCode(code).
			WithDetail("exit_code", result.ExitCode)
	}
	return result, true
}

// missing handles a job absent from sacct output. After MissingPolls
// consecutive misses the job is treated as completed if it left an exit-code
// file, and as lost otherwise.
func (s *Slurm) missing(ctx context.Context, job *slurmJob) (engine.UnitResult, bool) {
	job.missing++
	if job.missing < s.cfg.MissingPolls {
		return engine.UnitResult{}, false
	}

	if _, err := s.shell.ReadFile(ctx, path.Join(job.remoteDir, engine.ExitCodeFile)); err == nil {
		s.logger.WithUnit(job.unit.ID).Warnf("job %s vanished from accounting but left an exit code", job.id)
		result, _ := s.collect(ctx, job, sacctRow{JobID: job.id, State: "COMPLETED"})
		finish(s.deps, KindSlurm, job.unit, result)
		return result, true
	}

	s.logger.WithUnit(job.unit.ID).Warnf("job %s missing from accounting for %d polls", job.id, job.missing)
	s.cancelJobs(map[string]*slurmJob{job.id: job})
	err := engine.NewExecutionError(fmt.Sprintf("job %s missing from accounting after %d polls", job.id, job.missing), nil).
		WithUnit(job.unit.ID).WithCode(engine.ErrCodePollFailed)
	return s.failed(job.unit, err, job.attempts), true
}

func (s *Slurm) download(ctx context.Context, job *slurmJob) {
	for _, name := range collectFiles {
		data, err := s.shell.ReadFile(ctx, path.Join(job.remoteDir, name))
		if err != nil {
			if !isNotExist(err) {
				s.logger.WithUnit(job.unit.ID).WithError(err).Warnf("failed to download %s", name)
			}
			continue
		}
		if err := os.WriteFile(filepath.Join(job.unit.Dir, name), data, 0o644); err != nil {
			s.logger.WithUnit(job.unit.ID).WithError(err).Warnf("failed to store %s", name)
		}
	}
}

func (s *Slurm) cancelJobs(pending map[string]*slurmJob) {
	if len(pending) == 0 {
		return
	}
	ids := make([]string, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, _, err := s.shell.Run(ctx, "scancel "+strings.Join(ids, " ")); err != nil {
		s.logger.WithError(err).Warn("failed to cancel jobs")
	}
}

// classify wraps a scheduler command failure as transient or as an
// execution error carrying code.
func classify(op string, err error, stderr, code string) error {
	if ssh.IsTemporary(err) || hasTransientMarker(stderr) || hasTransientMarker(err.Error()) {
		return engine.NewSchedulerTransientError(op+" failed", err)
	}
	return engine.NewExecutionError(op+" failed", err).WithCode(code)
}

func hasTransientMarker(s string) bool {
	for _, m := range transientMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// parseJobID extracts the id from "sbatch --parsable" output ("id" or "id;cluster").
func parseJobID(out string) string {
	line := strings.TrimSpace(out)
	if i := strings.LastIndexByte(line, '\n'); i >= 0 {
		line = line[i+1:]
	}
	id, _, _ := strings.Cut(line, ";")
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		return ""
	}
	return id
}

func parseSacct(out string) map[string]sacctRow {
	rows := make(map[string]sacctRow)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(strings.TrimSpace(line), "|")
		if len(fields) < 2 || fields[0] == "" {
			continue
		}
		row := sacctRow{JobID: fields[0], State: fields[1]}
		if len(fields) > 2 {
			row.ExitCode = fields[2]
		}
		if len(fields) > 3 {
			row.Elapsed = fields[3]
		}
		rows[row.JobID] = row
	}
	return rows
}

// mapSlurmState maps a job state onto a unit status. terminal is false for
// states in which the job may still run.
func mapSlurmState(state string) (status engine.UnitStatus, code string, terminal bool) {
	fields := strings.Fields(state)
	if len(fields) == 0 {
		return engine.UnitStatusPending, "", false
	}
	switch strings.TrimSuffix(fields[0], "+") {
	case "PENDING", "RUNNING", "REQUEUED", "REQUEUE_FED", "REQUEUE_HOLD", "RESIZING",
		"SUSPENDED", "CONFIGURING", "COMPLETING", "STAGE_OUT", "SIGNALING", "RESV_DEL_HOLD":
		return engine.UnitStatusRunning, "", false
	case "COMPLETED":
		return engine.UnitStatusDone, "", true
	case "TIMEOUT", "DEADLINE":
		return engine.UnitStatusResourceExceeded, engine.ErrCodeTimeout, true
	case "OUT_OF_MEMORY":
		return engine.UnitStatusResourceExceeded, engine.ErrCodeMemoryLimit, true
	case "FAILED":
		return engine.UnitStatusFailed, engine.ErrCodeNonZeroExit, true
	default:
		// CANCELLED, PREEMPTED, NODE_FAIL, BOOT_FAIL, REVOKED
		return engine.UnitStatusFailed, engine.ErrCodeSignaled, true
	}
}

// parseExitCode reads sacct's "exit:signal" pair. A signal yields -1.
func parseExitCode(s string) int {
	code, sig, _ := strings.Cut(s, ":")
	if n, err := strconv.Atoi(sig); err == nil && n != 0 {
		return -1
	}
	n, err := strconv.Atoi(code)
	if err != nil {
		return 0
	}
	return n
}

// parseElapsed reads "[D-]HH:MM:SS" or "MM:SS[.mmm]".
func parseElapsed(s string) time.Duration {
	if s == "" {
		return 0
	}
	var days int
	if d, rest, ok := strings.Cut(s, "-"); ok {
		days, _ = strconv.Atoi(d)
		s = rest
	}
	parts := strings.Split(s, ":")
	var total float64
	for _, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return 0
		}
		total = total*60 + v
	}
	return time.Duration(days)*24*time.Hour + time.Duration(total*float64(time.Second))
}

// formatSlurmTime renders d as "D-HH:MM:SS", rounded up to the second.
func formatSlurmTime(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	days := secs / 86400
	secs %= 86400
	return fmt.Sprintf("%d-%02d:%02d:%02d", days, secs/3600, (secs%3600)/60, secs%60)
}
