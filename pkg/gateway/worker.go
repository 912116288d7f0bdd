package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/rin-agent/rin/pkg/guard"
)

// Runner is the agent worker body, restartable after a crash.
type Runner interface {
	Run(ctx context.Context)
}

// StartResult is the outcome of a worker start request.
type StartResult struct {
	Status  string `json:"status"` // "ok" or "blocked"
	Reason  string `json:"reason,omitempty"`
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
}

// restartDelay spaces automatic restarts after a worker panic.
const restartDelay = time.Second

// Worker supervises the single agent worker goroutine: at most one
// instance, crash counting with a rolling-window breaker, and a memory
// floor checked before every spawn.
type Worker struct {
	runner  Runner
	breaker *guard.Breaker
	mem     *guard.MemoryGuard
	crashes *guard.CrashLog
	clock   guard.Clock

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewWorker creates a supervisor for the runner. crashes may be nil.
func NewWorker(runner Runner, breaker *guard.Breaker, mem *guard.MemoryGuard, crashes *guard.CrashLog, clock guard.Clock) *Worker {
	if clock == nil {
		clock = guard.SystemClock{}
	}
	return &Worker{
		runner:  runner,
		breaker: breaker,
		mem:     mem,
		crashes: crashes,
		clock:   clock,
	}
}

// Start spawns the worker. Already-running is a successful no-op; a
// tripped breaker or low memory blocks the spawn.
func (w *Worker) Start() StartResult {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return StartResult{Status: "ok", Running: true, PID: os.Getpid()}
	}
	if !w.breaker.Allow() {
		reason := fmt.Sprintf("crash loop, retry in %s", w.breaker.RetryAfter().Round(time.Second))
		slog.Warn("Agent start blocked by circuit breaker", "reason", reason)
		return StartResult{Status: "blocked", Reason: reason}
	}
	if !w.mem.Allow() {
		reason := fmt.Sprintf("low memory: %d MB free, %d MB required", w.mem.FreeMB(), w.mem.MinFreeMB())
		slog.Warn("Agent start blocked by memory guard", "reason", reason)
		return StartResult{Status: "blocked", Reason: "low memory"}
	}

	w.spawnLocked()
	slog.Info("Agent worker started", "pid", os.Getpid())
	return StartResult{Status: "ok", Running: true, PID: os.Getpid()}
}

// spawnLocked launches the worker goroutine. Caller holds w.mu.
func (w *Worker) spawnLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	w.cancel = cancel
	w.done = done
	w.running = true

	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				w.onCrash(fmt.Sprintf("panic: %v", r))
			}
		}()
		w.runner.Run(ctx)
	}()
}

// onCrash records a worker panic and schedules an automatic restart
// while the breaker still allows it.
func (w *Worker) onCrash(reason string) {
	w.breaker.RecordFailure()
	if w.crashes != nil {
		w.crashes.Append(guard.CrashEntry{At: w.clock.Now(), Source: "agent", Reason: reason})
	}
	slog.Error("Agent worker crashed", "reason", reason)

	w.mu.Lock()
	w.running = false
	w.cancel = nil
	w.mu.Unlock()

	if !w.breaker.Allow() {
		slog.Warn("Agent worker restart blocked by circuit breaker")
		return
	}
	time.AfterFunc(restartDelay, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.running {
			return
		}
		slog.Info("Restarting agent worker after crash")
		w.spawnLocked()
	})
}

// Stop halts the worker and waits for it to exit. running only clears
// once the goroutine has confirmed the exit: marking the worker stopped
// before then would let Start spawn a second instance next to one that
// is still draining.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	cancel()
	select {
	case <-done:
		w.clearIfCurrent(done)
		slog.Info("Agent worker stopped")
		return nil
	case <-ctx.Done():
		// Goroutine is still alive; keep running set so Start stays a
		// no-op, and clear it whenever the goroutine finally exits.
		go func() {
			<-done
			w.clearIfCurrent(done)
		}()
		return fmt.Errorf("agent worker did not stop: %w", ctx.Err())
	}
}

// clearIfCurrent marks the worker stopped, unless a crash restart has
// already replaced the generation identified by done.
func (w *Worker) clearIfCurrent(done chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done == done {
		w.running = false
		w.cancel = nil
	}
}

// Restart stops then starts the worker.
func (w *Worker) Restart(ctx context.Context) (StartResult, error) {
	if err := w.Stop(ctx); err != nil {
		return StartResult{}, err
	}
	return w.Start(), nil
}

// Running reports whether the worker goroutine is alive.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
