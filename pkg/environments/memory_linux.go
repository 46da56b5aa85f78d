//go:build linux

package environments

import (
	"github.com/prometheus/procfs"
)

// residentMemory returns the resident set size of pid in bytes.
func residentMemory(pid int) (int64, error) {
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return 0, err
	}
	stat, err := proc.Stat()
	if err != nil {
		return 0, err
	}
	return int64(stat.ResidentMemory()), nil
}
