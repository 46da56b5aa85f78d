//go:build !linux

package environments

import (
	"errors"
)

// residentMemory is unavailable without procfs; the ulimit still applies.
func residentMemory(pid int) (int64, error) {
	return 0, errors.New("resident memory sampling not supported")
}
