package guard

import "github.com/pbnjay/memory"

// MemoryGuard refuses lifecycle operations when free system memory falls
// below a floor. Spawning a multi-gigabyte model server on a starved host
// takes the desktop down with it.
type MemoryGuard struct {
	minFreeMB uint64
	freeFn    func() uint64 // overridable for tests
}

// NewMemoryGuard creates a guard with the given floor in megabytes.
// A zero floor disables the guard.
func NewMemoryGuard(minFreeMB uint64) *MemoryGuard {
	return &MemoryGuard{
		minFreeMB: minFreeMB,
		freeFn:    memory.FreeMemory,
	}
}

// NewMemoryGuardWithProbe creates a guard reading free memory from
// probe instead of the OS (tests).
func NewMemoryGuardWithProbe(minFreeMB uint64, probe func() uint64) *MemoryGuard {
	return &MemoryGuard{minFreeMB: minFreeMB, freeFn: probe}
}

// FreeMB returns the current free system memory in megabytes.
func (g *MemoryGuard) FreeMB() uint64 {
	return g.freeFn() / (1024 * 1024)
}

// Allow reports whether enough memory is free to proceed.
func (g *MemoryGuard) Allow() bool {
	if g.minFreeMB == 0 {
		return true
	}
	return g.FreeMB() >= g.minFreeMB
}

// MinFreeMB returns the configured floor.
func (g *MemoryGuard) MinFreeMB() uint64 {
	return g.minFreeMB
}
