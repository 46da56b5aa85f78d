package environments

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/openfroyo/benchlab/pkg/engine"
	"github.com/openfroyo/benchlab/pkg/telemetry"
)

// memoryMarkers are stderr fragments that indicate an allocation failure
// under an address-space limit.
var memoryMarkers = [][]byte{
	[]byte("std::bad_alloc"),
	[]byte("MemoryError"),
	[]byte("Cannot allocate memory"),
	[]byte("out of memory"),
}

// ProcessRunner executes run units as local OS processes.
// It enforces the wall-clock limit with a context deadline and the memory
// limit with an address-space ulimit plus a resident-set watchdog.
type ProcessRunner struct {
	// KillGrace is how long to wait for output pipes after the process is killed.
	KillGrace time.Duration

	// PollInterval is the resident-set sampling period.
	PollInterval time.Duration

	// Env is appended to the inherited environment.
	Env []string

	logger *telemetry.Logger
}

// NewProcessRunner creates a runner with default intervals.
func NewProcessRunner(logger *telemetry.Logger) *ProcessRunner {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &ProcessRunner{
		KillGrace:    5 * time.Second,
		PollInterval: 500 * time.Millisecond,
		logger:       logger.NewComponentLogger("process"),
	}
}

// Run executes one unit and classifies its outcome. A parent context
// cancellation leaves the unit pending.
func (r *ProcessRunner) Run(ctx context.Context, unit *engine.RunUnit) engine.UnitResult {
	result := engine.UnitResult{UnitID: unit.ID, Attempts: 1}
	logger := r.logger.WithUnit(unit.ID)

	if len(unit.Command) == 0 {
		result.Status = engine.UnitStatusFailed
		result.Err = engine.NewExecutionError("unit has no command", nil).WithUnit(unit.ID).WithCode(engine.ErrCodeNotFound)
		return result
	}
	if err := os.MkdirAll(unit.Dir, 0o755); err != nil {
		result.Status = engine.UnitStatusFailed
		result.Err = engine.NewExecutionError("failed to create unit directory", err).WithUnit(unit.ID)
		return result
	}

	stdout, err := os.Create(filepath.Join(unit.Dir, engine.StdoutFile))
	if err != nil {
		result.Status = engine.UnitStatusFailed
		result.Err = engine.NewExecutionError("failed to create stdout file", err).WithUnit(unit.ID)
		return result
	}
	defer stdout.Close()

	var stderrTail tailBuffer
	stderrFile, err := os.Create(filepath.Join(unit.Dir, engine.StderrFile))
	if err != nil {
		result.Status = engine.UnitStatusFailed
		result.Err = engine.NewExecutionError("failed to create stderr file", err).WithUnit(unit.ID)
		return result
	}
	defer stderrFile.Close()

	runCtx := ctx
	cancel := func() {}
	if unit.TimeLimit > 0 {
		runCtx, cancel = context.WithTimeout(ctx, unit.TimeLimit)
	}
	defer cancel()

	argv := limitedArgv(unit.Command, unit.MemoryLimitMiB)
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = unit.Dir
	cmd.Stdout = stdout
	cmd.Stderr = multiWriter{stderrFile, &stderrTail}
	cmd.Env = append(os.Environ(), r.Env...)
	cmd.WaitDelay = r.KillGrace
	configureProcessGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		result.Status = engine.UnitStatusFailed
		result.Err = engine.NewExecutionError("failed to start unit", err).WithUnit(unit.ID).WithCode(engine.ErrCodeNotFound)
		return result
	}
	logger.Debugf("started pid %d", cmd.Process.Pid)

	var memExceeded atomic.Bool
	watchDone := make(chan struct{})
	if unit.MemoryLimitMiB > 0 {
		go r.watchMemory(cmd, int64(unit.MemoryLimitMiB)<<20, &memExceeded, watchDone)
	}

	waitErr := cmd.Wait()
	close(watchDone)
	result.WallTime = time.Since(start)
	result.ExitCode = exitCode(cmd, waitErr)

	switch {
	case memExceeded.Load():
		result.Status = engine.UnitStatusResourceExceeded
		result.Err = engine.NewResourceExceededError(
			fmt.Sprintf("resident memory exceeded %d MiB", unit.MemoryLimitMiB), nil,
		).WithUnit(unit.ID).WithCode(engine.ErrCodeMemoryLimit)
	case ctx.Err() != nil:
		result.Status = engine.UnitStatusPending
		result.Err = ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.Status = engine.UnitStatusResourceExceeded
		result.Err = engine.NewResourceExceededError(
			fmt.Sprintf("wall-clock limit of %s exceeded", unit.TimeLimit), nil,
		).WithUnit(unit.ID).WithCode(engine.ErrCodeTimeout)
	case waitErr == nil:
		result.Status = engine.UnitStatusDone
	case unit.MemoryLimitMiB > 0 && stderrTail.containsAny(memoryMarkers):
		result.Status = engine.UnitStatusResourceExceeded
		result.Err = engine.NewResourceExceededError(
			fmt.Sprintf("allocation failed under %d MiB limit", unit.MemoryLimitMiB), waitErr,
		).WithUnit(unit.ID).WithCode(engine.ErrCodeMemoryLimit)
	case result.ExitCode < 0:
		result.Status = engine.UnitStatusFailed
		result.Err = engine.NewExecutionError("unit killed by signal", waitErr).
			WithUnit(unit.ID).WithCode(engine.ErrCodeSignaled)
	default:
		result.Status = engine.UnitStatusFailed
		result.Err = engine.NewExecutionError(
			fmt.Sprintf("unit exited with code %d", result.ExitCode), waitErr,
		).WithUnit(unit.ID).WithCode(engine.ErrCodeNonZeroExit)
	}

	logger.WithField("status", result.Status).Debugf("finished in %s", result.WallTime)
	return result
}

func (r *ProcessRunner) watchMemory(cmd *exec.Cmd, limit int64, exceeded *atomic.Bool, done <-chan struct{}) {
	ticker := time.NewTicker(r.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			rss, err := residentMemory(cmd.Process.Pid)
			if err != nil {
				// Process gone or platform without /proc.
				return
			}
			if rss > limit {
				exceeded.Store(true)
				_ = killProcessGroup(cmd)
				return
			}
		}
	}
}

// limitedArgv wraps argv in a shell that sets the address-space limit
// before exec'ing the unit, so the limit applies to the unit itself.
func limitedArgv(argv []string, memoryMiB int) []string {
	if memoryMiB <= 0 {
		return argv
	}
	kib := strconv.Itoa(memoryMiB * 1024)
	return append([]string{"/bin/sh", "-c", `ulimit -v ` + kib + ` && exec "$@"`, "sh"}, argv...)
}

func exitCode(cmd *exec.Cmd, err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

// tailBuffer keeps the last 64 KiB written to it.
type tailBuffer struct {
	buf bytes.Buffer
}

const tailSize = 64 << 10

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) > tailSize {
		p = p[len(p)-tailSize:]
	}
	if t.buf.Len()+len(p) > tailSize {
		keep := t.buf.Bytes()[t.buf.Len()+len(p)-tailSize:]
		rest := append([]byte(nil), keep...)
		t.buf.Reset()
		t.buf.Write(rest)
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) containsAny(markers [][]byte) bool {
	for _, m := range markers {
		if bytes.Contains(t.buf.Bytes(), m) {
			return true
		}
	}
	return false
}

type multiWriter struct {
	file *os.File
	tail *tailBuffer
}

func (w multiWriter) Write(p []byte) (int, error) {
	_, _ = w.tail.Write(p)
	return w.file.Write(p)
}
