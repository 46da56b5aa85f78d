// Package builder checks out and compiles the algorithms of an experiment.
//
// Every unique (repository, revision) pair is cloned once into
// <experiment>/code/<key> and checked out at the revision. The algorithm's
// build command, with its build options appended, then runs inside the
// checkout. Successful builds leave a stamp file so that re-running the build
// step does not recompile. Any failure is a build error, which halts the
// pipeline before a single unit runs.
package builder

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/openfroyo/benchlab/pkg/engine"
	"github.com/openfroyo/benchlab/pkg/telemetry"
)

const (
	// LogFile collects the output of every checkout and build command.
	LogFile = "build.log"

	stampFile = ".benchlab-built"
)

// GitBuilder implements engine.Builder with git and local commands.
type GitBuilder struct {
	// Git is the git binary. Defaults to "git".
	Git string

	// Env is appended to the build environment.
	Env []string

	logger *telemetry.Logger
}

// New creates a builder. A nil logger discards output.
func New(logger *telemetry.Logger) *GitBuilder {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &GitBuilder{Git: "git", logger: logger.NewComponentLogger("builder")}
}

// Build prepares every algorithm of exp.
func (b *GitBuilder) Build(ctx context.Context, exp *engine.Experiment) error {
	checkedOut := make(map[string]bool)
	built := make(map[string]bool)

	for _, a := range exp.Algorithms {
		dir := exp.BuildDir(a)
		logger := b.logger.WithField("algorithm", a.Name)

		if a.Repo != "" && !checkedOut[dir] {
			if err := b.checkout(ctx, a, dir); err != nil {
				return engine.NewBuildError(fmt.Sprintf("checkout of %s failed", a.Name), err).
					WithDetail("repo", a.Repo).WithDetail("revision", a.Revision)
			}
			checkedOut[dir] = true
		}

		if len(a.BuildCommand) == 0 {
			continue
		}
		workDir := dir
		if workDir == "" {
			workDir = exp.Path
		}
		argv := append(append([]string{}, a.BuildCommand...), a.BuildOptions...)
		key := workDir + "\x00" + strings.Join(argv, "\x00")
		if built[key] {
			continue
		}

		stamp := commandStamp(a.Revision, argv)
		if b.upToDate(workDir, stamp) {
			logger.Debug("build up to date")
			built[key] = true
			continue
		}

		logger.Infof("building in %s", workDir)
		if err := b.run(ctx, workDir, argv...); err != nil {
			return engine.NewBuildError(fmt.Sprintf("build of %s failed", a.Name), err).
				WithDetail("command", strings.Join(argv, " "))
		}
		if err := os.WriteFile(filepath.Join(workDir, stampFile), []byte(stamp+"\n"), 0o644); err != nil {
			return engine.NewBuildError("failed to write build stamp", err)
		}
		built[key] = true
	}
	return nil
}

func (b *GitBuilder) checkout(ctx context.Context, a engine.AlgorithmConfig, dir string) error {
	rev := a.Revision
	if rev == "" {
		rev = "HEAD"
	}

	if _, err := os.Stat(filepath.Join(dir, ".git")); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
			return fmt.Errorf("failed to create code directory: %w", err)
		}
		b.logger.Infof("cloning %s into %s", a.Repo, dir)
		if err := b.run(ctx, filepath.Dir(dir), b.Git, "clone", "--quiet", a.Repo, dir); err != nil {
			return err
		}
	}
	return b.run(ctx, dir, b.Git, "checkout", "--quiet", rev)
}

func (b *GitBuilder) upToDate(dir, stamp string) bool {
	data, err := os.ReadFile(filepath.Join(dir, stampFile))
	return err == nil && strings.TrimSpace(string(data)) == stamp
}

// run executes argv in dir and appends its output to the build log.
func (b *GitBuilder) run(ctx context.Context, dir string, argv ...string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(append(os.Environ(), "GIT_TERMINAL_PROMPT=0"), b.Env...)

	var stderr bytes.Buffer
	logPath := filepath.Join(dir, LogFile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create build directory: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open build log: %w", err)
	}
	defer logFile.Close()

	fmt.Fprintf(logFile, "$ %s\n", strings.Join(argv, " "))
	cmd.Stdout = logFile
	cmd.Stderr = io.MultiWriter(logFile, &stderr)

	start := time.Now()
	err = cmd.Run()
	b.logger.WithField("duration", time.Since(start).String()).Debugf("ran %s", argv[0])

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%s exited with code %d: %s", argv[0], exitErr.ExitCode(), lastLine(stderr.String()))
		}
		return fmt.Errorf("failed to execute %s: %w", argv[0], err)
	}
	return nil
}

func commandStamp(rev string, argv []string) string {
	sum := sha256.Sum256([]byte(rev + "\x00" + strings.Join(argv, "\x00")))
	return hex.EncodeToString(sum[:])
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
