//go:build windows

package vlm

import "os"

// terminate stops the child. Windows has no SIGTERM equivalent for
// console-less children, so this is a hard kill.
func terminate(p *os.Process) error {
	return p.Kill()
}
