//go:build windows

package lock

import "os"

// pidAlive reports whether a process with the given PID exists.
// FindProcess opens a real handle on Windows, so an error means gone.
func pidAlive(pid int) bool {
	_, err := os.FindProcess(pid)
	return err == nil
}
