package environments

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Shell is the command and file channel to the machine running the batch
// scheduler. *ssh.Client implements it for remote login nodes.
type Shell interface {
	Run(ctx context.Context, cmd string) (stdout string, stderr string, err error)
	WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error
	ReadFile(ctx context.Context, path string) ([]byte, error)
}

// LocalShell runs scheduler commands on this machine.
type LocalShell struct{}

// Run executes cmd with /bin/sh.
func (LocalShell) Run(ctx context.Context, cmd string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	c := exec.CommandContext(ctx, "/bin/sh", "-c", cmd)
	c.Stdout = &stdout
	c.Stderr = &stderr
	err := c.Run()
	out, errOut := strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String())
	if err != nil {
		return out, errOut, fmt.Errorf("%s: %w: %s", cmd, err, errOut)
	}
	return out, errOut, nil
}

// WriteFile writes data, creating parent directories.
func (LocalShell) WriteFile(_ context.Context, path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, mode)
}

// ReadFile reads path.
func (LocalShell) ReadFile(_ context.Context, path string) ([]byte, error) {
	return os.ReadFile(path)
}

// shellQuote quotes s for POSIX sh.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$`!*?[]{}()<>|&;#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func shellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
