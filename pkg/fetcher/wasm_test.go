package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/openfroyo/benchlab/pkg/engine"
	"github.com/openfroyo/benchlab/pkg/ledger"
)

// echoModule returns a WASI command whose _start writes out to fd 1.
func echoModule(out string) []byte {
	name := func(s string) []byte { return append([]byte{byte(len(s))}, s...) }
	section := func(id byte, body []byte) []byte { return append([]byte{id, byte(len(body))}, body...) }

	types := []byte{0x02,
		0x60, 0x04, 0x7f, 0x7f, 0x7f, 0x7f, 0x01, 0x7f, // fd_write(i32 i32 i32 i32) i32
		0x60, 0x00, 0x00, // _start()
	}

	imports := []byte{0x01}
	imports = append(imports, name("wasi_snapshot_preview1")...)
	imports = append(imports, name("fd_write")...)
	imports = append(imports, 0x00, 0x00)

	exports := []byte{0x02}
	exports = append(exports, name("memory")...)
	exports = append(exports, 0x02, 0x00)
	exports = append(exports, name("_start")...)
	exports = append(exports, 0x00, 0x01)

	// fd_write(1, iovec at 0, 1 iovec, nwritten at 8)
	body := []byte{0x00, 0x41, 0x01, 0x41, 0x00, 0x41, 0x01, 0x41, 0x08, 0x10, 0x00, 0x1a, 0x0b}
	code := append([]byte{0x01, byte(len(body))}, body...)

	// the payload at offset 16, the iovec {16, len} at offset 0
	data := []byte{0x02, 0x00, 0x41, 0x10, 0x0b}
	data = append(data, name(out)...)
	data = append(data, 0x00, 0x41, 0x00, 0x0b, 0x08, 0x10, 0x00, 0x00, 0x00, byte(len(out)), 0x00, 0x00, 0x00)

	mod := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	mod = append(mod, section(0x01, types)...)
	mod = append(mod, section(0x02, imports)...)
	mod = append(mod, section(0x03, []byte{0x01, 0x01})...)
	mod = append(mod, section(0x05, []byte{0x01, 0x00, 0x01})...)
	mod = append(mod, section(0x07, exports)...)
	mod = append(mod, section(0x0a, code)...)
	mod = append(mod, section(0x0b, data)...)
	return mod
}

func writeModule(t *testing.T, bin []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "parser.wasm")
	if err := os.WriteFile(path, bin, 0o644); err != nil {
		t.Fatalf("write module: %v", err)
	}
	return path
}

func TestWASMParser(t *testing.T) {
	ctx := context.Background()
	p, err := NewParser(ctx, "wasm:"+writeModule(t, echoModule(`{"total_reward":5}`)))
	if err != nil {
		t.Fatalf("NewParser: %v", err)
	}
	defer Chain{p}.Close(ctx)

	if p.Name() != "wasm:parser.wasm" {
		t.Errorf("name = %q", p.Name())
	}

	dir := t.TempDir()
	writeFile(t, dir, engine.StdoutFile, "Immediate reward: 1\n")
	attrs, err := p.Parse(ctx, dir)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if v, ok := attrs.Float(ledger.AttrTotalReward); !ok || v != 5 {
		t.Errorf("total_reward = %v, %v", v, ok)
	}

	// instances are independent, so a second unit parses the same way
	if _, err := p.Parse(ctx, dir); err != nil {
		t.Errorf("second Parse: %v", err)
	}
}

func TestWASMParserMissingOutput(t *testing.T) {
	ctx := context.Background()
	p, err := NewWASMParser(ctx, writeModule(t, echoModule(`{}`)), nil)
	if err != nil {
		t.Fatalf("NewWASMParser: %v", err)
	}
	defer p.Close(ctx)

	if _, err := p.Parse(ctx, t.TempDir()); !isMissingOutput(err) {
		t.Errorf("expected missing output, got %v", err)
	}
}

func TestWASMParserChecksum(t *testing.T) {
	ctx := context.Background()
	bin := echoModule(`{}`)
	sum := sha256.Sum256(bin)

	p, err := newWASMParser(ctx, "ok.wasm", bin, &WASMConfig{SHA256: hex.EncodeToString(sum[:])})
	if err != nil {
		t.Fatalf("matching checksum rejected: %v", err)
	}
	_ = p.Close(ctx)

	if _, err := newWASMParser(ctx, "bad.wasm", bin, &WASMConfig{SHA256: "00"}); engine.ClassOf(err) != engine.ErrorClassConfig {
		t.Errorf("checksum mismatch error = %v", err)
	}
}

func TestWASMParserInvalidModule(t *testing.T) {
	_, err := NewWASMParser(context.Background(), writeModule(t, []byte("not wasm")), nil)
	if engine.ClassOf(err) != engine.ErrorClassConfig {
		t.Errorf("expected config error, got %v", err)
	}
}
