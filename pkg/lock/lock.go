// Package lock enforces a single gateway instance per machine through a
// PID file. A lock left behind by a dead process is taken over silently.
package lock

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// FileName is the lock file kept under the data directory.
const FileName = "rin.lock"

// ErrAlreadyRunning means another live instance holds the lock.
var ErrAlreadyRunning = errors.New("another instance is already running")

// Lock is an acquired instance lock.
type Lock struct {
	path string
}

// Acquire takes the instance lock under dir, replacing a stale lock
// whose owner is no longer alive.
func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	path := filepath.Join(dir, FileName)

	if data, err := os.ReadFile(path); err == nil {
		pid, perr := strconv.Atoi(strings.TrimSpace(string(data)))
		if perr == nil && pid > 0 && pid != os.Getpid() && pidAlive(pid) {
			return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
		}
		if perr == nil && pid > 0 {
			slog.Warn("Replacing stale instance lock", "stale_pid", pid)
		}
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("writing lock file: %w", err)
	}
	return &Lock{path: path}, nil
}

// Release removes the lock file. Safe to call more than once.
func (l *Lock) Release() {
	if l == nil || l.path == "" {
		return
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to remove instance lock", "error", err)
	}
	l.path = ""
}
