package environments

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Fact namespaces recorded for the machine running the batch.
const (
	FactsOS     = "os.basic"
	FactsCPU    = "hw.cpu"
	FactsMemory = "hw.memory"
)

// DefaultFactNamespaces lists the namespaces collected when none are requested.
var DefaultFactNamespaces = []string{FactsOS, FactsCPU, FactsMemory}

// HostFacts is the result of one facts collection.
type HostFacts struct {
	Host        string         `json:"host"`
	CollectedAt time.Time      `json:"collected_at"`
	Duration    time.Duration  `json:"duration"`
	Facts       map[string]any `json:"facts"`
}

// OSFacts contains OS information.
type OSFacts struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Kernel   string `json:"kernel"`
	Arch     string `json:"arch"`
	Hostname string `json:"hostname"`
}

// CPUFacts contains CPU information.
type CPUFacts struct {
	Model   string `json:"model"`
	Vendor  string `json:"vendor"`
	Threads int    `json:"threads"`
}

// MemoryFacts contains memory information.
type MemoryFacts struct {
	TotalMB     int64 `json:"total_mb"`
	AvailableMB int64 `json:"available_mb"`
	SwapTotalMB int64 `json:"swap_total_mb"`
}

// CollectFacts records the hardware and OS of the machine behind shell so
// results can be compared across hosts. A namespace that cannot be collected
// is skipped; an error is returned only when nothing was collected.
func CollectFacts(ctx context.Context, shell Shell, namespaces []string) (*HostFacts, error) {
	start := time.Now()
	if len(namespaces) == 0 {
		namespaces = DefaultFactNamespaces
	}

	result := &HostFacts{Facts: make(map[string]any)}
	var firstErr error
	for _, ns := range namespaces {
		var data any
		var err error
		switch ns {
		case FactsOS:
			var osFacts *OSFacts
			osFacts, err = collectOSFacts(ctx, shell)
			if osFacts != nil {
				result.Host = osFacts.Hostname
			}
			data = osFacts
		case FactsCPU:
			data, err = collectCPUFacts(ctx, shell)
		case FactsMemory:
			data, err = collectMemoryFacts(ctx, shell)
		default:
			err = fmt.Errorf("unknown fact namespace %q", ns)
		}
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", ns, err)
			}
			continue
		}
		result.Facts[ns] = data
	}

	if len(result.Facts) == 0 && firstErr != nil {
		return nil, firstErr
	}
	if result.Host == "" {
		result.Host = "unknown"
	}
	result.CollectedAt = time.Now().UTC()
	result.Duration = time.Since(start)
	return result, nil
}

func collectOSFacts(ctx context.Context, shell Shell) (*OSFacts, error) {
	facts := &OSFacts{}

	stdout, _, err := shell.Run(ctx, "uname -srm")
	if err != nil {
		return nil, fmt.Errorf("uname: %w", err)
	}
	if fields := strings.Fields(stdout); len(fields) == 3 {
		facts.Kernel = fields[1]
		facts.Arch = fields[2]
	}

	if stdout, _, err := shell.Run(ctx, "cat /etc/os-release 2>/dev/null"); err == nil {
		for _, line := range strings.Split(stdout, "\n") {
			if v, ok := strings.CutPrefix(line, "NAME="); ok {
				facts.Name = strings.Trim(v, "\"")
			} else if v, ok := strings.CutPrefix(line, "VERSION="); ok {
				facts.Version = strings.Trim(v, "\"")
			}
		}
	}

	if stdout, _, err := shell.Run(ctx, "hostname"); err == nil {
		facts.Hostname = strings.TrimSpace(stdout)
	}
	return facts, nil
}

func collectCPUFacts(ctx context.Context, shell Shell) (*CPUFacts, error) {
	stdout, _, err := shell.Run(ctx, "cat /proc/cpuinfo")
	if err != nil {
		return nil, fmt.Errorf("failed to read /proc/cpuinfo: %w", err)
	}

	facts := &CPUFacts{}
	for _, line := range strings.Split(stdout, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "processor":
			facts.Threads++
		case "model name":
			facts.Model = strings.TrimSpace(value)
		case "vendor_id":
			facts.Vendor = strings.TrimSpace(value)
		}
	}
	return facts, nil
}

func collectMemoryFacts(ctx context.Context, shell Shell) (*MemoryFacts, error) {
	stdout, _, err := shell.Run(ctx, "cat /proc/meminfo")
	if err != nil {
		return nil, fmt.Errorf("failed to read /proc/meminfo: %w", err)
	}

	facts := &MemoryFacts{}
	for _, line := range strings.Split(stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			facts.TotalMB = kb / 1024
		case "MemAvailable:":
			facts.AvailableMB = kb / 1024
		case "SwapTotal:":
			facts.SwapTotalMB = kb / 1024
		}
	}
	return facts, nil
}

// FactsSource is implemented by environments that can describe the machine
// their units run on.
type FactsSource interface {
	Facts(ctx context.Context, namespaces []string) (*HostFacts, error)
}

// Facts collects facts about this machine.
func (l *Local) Facts(ctx context.Context, namespaces []string) (*HostFacts, error) {
	return CollectFacts(ctx, LocalShell{}, namespaces)
}

// Facts collects facts about the cluster login node.
func (s *Slurm) Facts(ctx context.Context, namespaces []string) (*HostFacts, error) {
	if s.client != nil {
		if err := s.connect(ctx); err != nil {
			return nil, err
		}
		defer s.client.Close()
	}
	return CollectFacts(ctx, s.shell, namespaces)
}
