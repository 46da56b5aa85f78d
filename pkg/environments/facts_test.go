package environments

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
)

type factsShell struct {
	outputs map[string]string
}

func (f *factsShell) Run(_ context.Context, cmd string) (string, string, error) {
	for prefix, out := range f.outputs {
		if strings.HasPrefix(cmd, prefix) {
			return out, "", nil
		}
	}
	return "", "not found", errors.New("exit status 127")
}

func (f *factsShell) WriteFile(context.Context, string, []byte, os.FileMode) error { return nil }

func (f *factsShell) ReadFile(context.Context, string) ([]byte, error) { return nil, os.ErrNotExist }

func TestCollectFacts(t *testing.T) {
	shell := &factsShell{outputs: map[string]string{
		"uname":               "Linux 6.1.0-18-amd64 x86_64\n",
		"cat /etc/os-release": "NAME=\"Debian GNU/Linux\"\nVERSION=\"12 (bookworm)\"\n",
		"hostname":            "node17\n",
		"cat /proc/cpuinfo":   "processor\t: 0\nvendor_id\t: GenuineIntel\nmodel name\t: Xeon\n\nprocessor\t: 1\nvendor_id\t: GenuineIntel\nmodel name\t: Xeon\n",
		"cat /proc/meminfo":   "MemTotal:       16384000 kB\nMemAvailable:    8192000 kB\nSwapTotal:             0 kB\n",
	}}

	facts, err := CollectFacts(context.Background(), shell, nil)
	if err != nil {
		t.Fatalf("CollectFacts() error = %v", err)
	}
	if facts.Host != "node17" {
		t.Errorf("Host = %q", facts.Host)
	}

	osFacts := facts.Facts[FactsOS].(*OSFacts)
	if osFacts.Kernel != "6.1.0-18-amd64" || osFacts.Arch != "x86_64" || osFacts.Name != "Debian GNU/Linux" {
		t.Errorf("unexpected os facts: %+v", osFacts)
	}
	cpu := facts.Facts[FactsCPU].(*CPUFacts)
	if cpu.Threads != 2 || cpu.Model != "Xeon" || cpu.Vendor != "GenuineIntel" {
		t.Errorf("unexpected cpu facts: %+v", cpu)
	}
	mem := facts.Facts[FactsMemory].(*MemoryFacts)
	if mem.TotalMB != 16000 || mem.AvailableMB != 8000 {
		t.Errorf("unexpected memory facts: %+v", mem)
	}
}

func TestCollectFactsPartial(t *testing.T) {
	shell := &factsShell{outputs: map[string]string{
		"cat /proc/meminfo": "MemTotal: 2048 kB\n",
	}}

	facts, err := CollectFacts(context.Background(), shell, nil)
	if err != nil {
		t.Fatalf("CollectFacts() error = %v", err)
	}
	if len(facts.Facts) != 1 || facts.Host != "unknown" {
		t.Errorf("expected only memory facts on an unknown host, got %+v", facts)
	}

	if _, err := CollectFacts(context.Background(), &factsShell{}, []string{FactsOS, "gpu"}); err == nil {
		t.Error("expected error when nothing can be collected")
	}
}
