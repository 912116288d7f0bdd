//go:build !windows

package lock

import (
	"os"
	"syscall"
)

// pidAlive reports whether a process with the given PID exists.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
