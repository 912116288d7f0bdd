package gateway

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rin-agent/rin/pkg/guard"
)

// blockingRunner runs until cancelled, optionally panicking first.
type blockingRunner struct {
	runs   atomic.Int32
	panics atomic.Int32 // panic this many times before behaving
}

func (r *blockingRunner) Run(ctx context.Context) {
	r.runs.Add(1)
	if r.panics.Load() > 0 {
		r.panics.Add(-1)
		panic("worker blew up")
	}
	<-ctx.Done()
}

func plentyOfMemory() *guard.MemoryGuard {
	return guard.NewMemoryGuardWithProbe(500, func() uint64 { return 8 << 30 })
}

func TestWorkerStartStop(t *testing.T) {
	runner := &blockingRunner{}
	breaker := guard.NewBreaker(3, 10*time.Minute, nil)
	w := NewWorker(runner, breaker, plentyOfMemory(), nil, nil)

	res := w.Start()
	assert.Equal(t, "ok", res.Status)
	assert.True(t, w.Running())

	// Starting a healthy worker is a no-op.
	res = w.Start()
	assert.Equal(t, "ok", res.Status)
	assert.EqualValues(t, 1, runner.runs.Load())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))
	assert.False(t, w.Running())
}

func TestWorkerStartBlockedByBreaker(t *testing.T) {
	runner := &blockingRunner{}
	breaker := guard.NewBreaker(3, 10*time.Minute, nil)
	for i := 0; i < 3; i++ {
		breaker.RecordFailure()
	}
	w := NewWorker(runner, breaker, plentyOfMemory(), nil, nil)

	res := w.Start()
	assert.Equal(t, "blocked", res.Status)
	assert.Contains(t, res.Reason, "crash loop")
	assert.False(t, w.Running())
	assert.Zero(t, runner.runs.Load(), "blocked start must not spawn")
}

func TestWorkerStartBlockedByMemoryGuard(t *testing.T) {
	runner := &blockingRunner{}
	breaker := guard.NewBreaker(3, 10*time.Minute, nil)
	starved := guard.NewMemoryGuardWithProbe(500, func() uint64 { return 100 << 20 })
	w := NewWorker(runner, breaker, starved, nil, nil)

	res := w.Start()
	assert.Equal(t, "blocked", res.Status)
	assert.Equal(t, "low memory", res.Reason)
	assert.Zero(t, runner.runs.Load())
}

func TestWorkerPanicCountsAndRestarts(t *testing.T) {
	runner := &blockingRunner{}
	runner.panics.Store(1)
	breaker := guard.NewBreaker(3, 10*time.Minute, nil)
	w := NewWorker(runner, breaker, plentyOfMemory(), nil, nil)

	w.Start()
	require.Eventually(t, func() bool { return breaker.Failures() == 1 },
		time.Second, 5*time.Millisecond)

	// The supervisor restarts the worker after the backoff delay.
	require.Eventually(t, func() bool { return w.Running() },
		3*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 2, runner.runs.Load())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))
}

func TestWorkerRepeatedPanicsTripBreaker(t *testing.T) {
	runner := &blockingRunner{}
	runner.panics.Store(3)
	breaker := guard.NewBreaker(3, 10*time.Minute, nil)
	w := NewWorker(runner, breaker, plentyOfMemory(), nil, nil)

	w.Start()
	require.Eventually(t, func() bool { return breaker.Failures() == 3 },
		5*time.Second, 10*time.Millisecond)

	// No further restarts, and a manual start is refused.
	time.Sleep(2 * restartDelay)
	assert.False(t, w.Running())
	res := w.Start()
	assert.Equal(t, "blocked", res.Status)
	assert.EqualValues(t, 3, runner.runs.Load())
}

// stuckRunner ignores cancellation until released, simulating a worker
// body wedged in a long operation.
type stuckRunner struct {
	runs    atomic.Int32
	release chan struct{}
}

func (r *stuckRunner) Run(context.Context) {
	r.runs.Add(1)
	<-r.release
}

func TestWorkerStopTimeoutKeepsSingleInstance(t *testing.T) {
	runner := &stuckRunner{release: make(chan struct{})}
	breaker := guard.NewBreaker(3, 10*time.Minute, nil)
	w := NewWorker(runner, breaker, plentyOfMemory(), nil, nil)

	w.Start()
	require.EqualValues(t, 1, runner.runs.Load())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Error(t, w.Stop(ctx))

	// The goroutine never exited, so the worker still counts as running
	// and Start must not spawn a second instance beside it.
	assert.True(t, w.Running())
	res := w.Start()
	assert.Equal(t, "ok", res.Status)
	assert.EqualValues(t, 1, runner.runs.Load())

	// Once the wedged goroutine drains, the worker can start fresh.
	runner.release <- struct{}{}
	require.Eventually(t, func() bool { return !w.Running() },
		time.Second, 5*time.Millisecond)
	res = w.Start()
	assert.Equal(t, "ok", res.Status)
	require.Eventually(t, func() bool { return runner.runs.Load() == 2 },
		time.Second, 5*time.Millisecond)

	runner.release <- struct{}{}
}

func TestWorkerRestart(t *testing.T) {
	runner := &blockingRunner{}
	breaker := guard.NewBreaker(3, 10*time.Minute, nil)
	w := NewWorker(runner, breaker, plentyOfMemory(), nil, nil)

	w.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := w.Restart(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Status)
	assert.True(t, w.Running())
	assert.EqualValues(t, 2, runner.runs.Load())
	require.NoError(t, w.Stop(ctx))
}
