//go:build !windows

package vlm

import (
	"os"
	"syscall"
)

// terminate asks the child to exit cleanly.
func terminate(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}
