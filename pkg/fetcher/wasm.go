package fetcher

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/openfroyo/benchlab/pkg/engine"
	"github.com/openfroyo/benchlab/pkg/ledger"
)

// UnitMount is where a WASM parser sees the unit directory (read-only).
const UnitMount = "/unit"

// WASMConfig bounds a WASM parser.
type WASMConfig struct {
	// Timeout is the per-unit execution limit.
	Timeout time.Duration

	// MemoryLimitPages is the maximum memory in 64KiB pages. Default is 256 (16MiB).
	MemoryLimitPages uint32

	// SHA256 is the expected hex checksum of the module. Empty skips verification.
	SHA256 string
}

// WASMParser runs a WASI command module once per unit. The module receives
// the unit's stdout on stdin and the unit directory mounted at /unit, and
// prints a flat JSON object of attributes on stdout.
type WASMParser struct {
	name     string
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	timeout  time.Duration
}

// NewWASMParser compiles the module at path.
func NewWASMParser(ctx context.Context, path string, cfg *WASMConfig) (*WASMParser, error) {
	bin, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewConfigError("failed to read parser module", err).WithDetail("path", path)
	}
	return newWASMParser(ctx, filepath.Base(path), bin, cfg)
}

func newWASMParser(ctx context.Context, name string, bin []byte, cfg *WASMConfig) (*WASMParser, error) {
	if cfg == nil {
		cfg = &WASMConfig{}
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = 256
	}
	if cfg.SHA256 != "" {
		sum := sha256.Sum256(bin)
		if got := hex.EncodeToString(sum[:]); !strings.EqualFold(got, cfg.SHA256) {
			return nil, engine.NewConfigError(
				fmt.Sprintf("parser module checksum mismatch: expected %s, got %s", cfg.SHA256, got), nil)
		}
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	compiled, err := runtime.CompileModule(ctx, bin)
	if err != nil {
		runtime.Close(ctx)
		return nil, engine.NewConfigError("failed to compile parser module", err).WithDetail("module", name)
	}

	return &WASMParser{
		name:     "wasm:" + name,
		runtime:  runtime,
		compiled: compiled,
		timeout:  cfg.Timeout,
	}, nil
}

// Name returns "wasm:<module file>".
func (p *WASMParser) Name() string { return p.name }

// Parse instantiates the module with the unit's output and decodes its stdout.
func (p *WASMParser) Parse(ctx context.Context, dir string) (ledger.Attributes, error) {
	raw, err := os.ReadFile(filepath.Join(dir, engine.StdoutFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, engine.NewParseError("no output to parse", err).WithCode(engine.ErrCodeMissingOutput)
	}
	if err != nil {
		return nil, engine.NewParseError("failed to read output", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	modConfig := wazero.NewModuleConfig().
		WithName("").
		WithArgs(p.name, UnitMount).
		WithStdin(bytes.NewReader(raw)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithFSConfig(wazero.NewFSConfig().WithReadOnlyDirMount(dir, UnitMount))

	mod, err := p.runtime.InstantiateModule(ctx, p.compiled, modConfig)
	if mod != nil {
		defer mod.Close(ctx)
	}
	if err != nil {
		var exitErr *sys.ExitError
		if !errors.As(err, &exitErr) || exitErr.ExitCode() != 0 {
			msg := strings.TrimSpace(stderr.String())
			if ctx.Err() != nil {
				msg = "parser module timed out"
			}
			return nil, engine.NewParseError(fmt.Sprintf("parser module failed: %s", msg), err)
		}
	}

	if len(bytes.TrimSpace(stdout.Bytes())) == 0 {
		return nil, nil
	}
	return decodeAttributes(p.name, stdout.Bytes())
}

// Close releases the runtime and the compiled module.
func (p *WASMParser) Close(ctx context.Context) error {
	return p.runtime.Close(ctx)
}
