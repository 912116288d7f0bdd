package guard

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerTripsAtLimit(t *testing.T) {
	clock := NewFakeClock(time.Unix(1_700_000_000, 0))
	b := NewBreaker(3, 5*time.Minute, clock)

	assert.True(t, b.Allow())

	b.RecordFailure()
	b.RecordFailure()
	assert.True(t, b.Allow())
	assert.Equal(t, 2, b.Failures())

	b.RecordFailure()
	assert.False(t, b.Allow())
	assert.Equal(t, 3, b.Failures())
}

func TestBreakerWindowExpiry(t *testing.T) {
	clock := NewFakeClock(time.Unix(1_700_000_000, 0))
	b := NewBreaker(3, 5*time.Minute, clock)

	b.RecordFailure()
	clock.Advance(4 * time.Minute)
	b.RecordFailure()
	b.RecordFailure()
	require.False(t, b.Allow())

	// The first failure ages out; two remain in the window.
	clock.Advance(90 * time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, 2, b.Failures())
}

func TestBreakerRetryAfter(t *testing.T) {
	clock := NewFakeClock(time.Unix(1_700_000_000, 0))
	b := NewBreaker(3, 5*time.Minute, clock)

	assert.Zero(t, b.RetryAfter())

	b.RecordFailure()
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, 5*time.Minute, b.RetryAfter())

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 3*time.Minute, b.RetryAfter())
}

func TestBreakerReset(t *testing.T) {
	b := NewBreaker(1, time.Minute, nil)
	b.RecordFailure()
	require.False(t, b.Allow())

	b.Reset()
	assert.True(t, b.Allow())
	assert.Zero(t, b.Failures())
}

func TestMemoryGuard(t *testing.T) {
	g := NewMemoryGuard(500)
	g.freeFn = func() uint64 { return 2048 * 1024 * 1024 }
	assert.True(t, g.Allow())
	assert.Equal(t, uint64(2048), g.FreeMB())

	g.freeFn = func() uint64 { return 100 * 1024 * 1024 }
	assert.False(t, g.Allow())

	disabled := NewMemoryGuard(0)
	disabled.freeFn = func() uint64 { return 0 }
	assert.True(t, disabled.Allow())
}

func TestCrashLogRoundTrip(t *testing.T) {
	log := NewCrashLog(filepath.Join(t.TempDir(), "crash_log.jsonl"))

	entries, err := log.Read()
	require.NoError(t, err)
	assert.Empty(t, entries)

	now := time.Now().UTC().Truncate(time.Second)
	log.Append(CrashEntry{At: now, Source: "vlm", Reason: "exit status 1"})
	log.Append(CrashEntry{At: now.Add(time.Second), Source: "agent", Reason: "panic"})

	entries, err = log.Read()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "vlm", entries[0].Source)
	assert.Equal(t, "exit status 1", entries[0].Reason)
}

func TestCrashLogRotation(t *testing.T) {
	log := NewCrashLog(filepath.Join(t.TempDir(), "crash_log.jsonl"))
	for i := 0; i < maxCrashEntries+20; i++ {
		log.Append(CrashEntry{At: time.Now(), Source: "vlm", Reason: "r"})
	}
	entries, err := log.Read()
	require.NoError(t, err)
	assert.Len(t, entries, maxCrashEntries)
}

func TestCrashLogRestore(t *testing.T) {
	clock := NewFakeClock(time.Unix(1_700_000_000, 0))
	log := NewCrashLog(filepath.Join(t.TempDir(), "crash_log.jsonl"))

	// Two recent vlm crashes, one stale, one from another source.
	log.Append(CrashEntry{At: clock.Now().Add(-time.Minute), Source: "vlm", Reason: "a"})
	log.Append(CrashEntry{At: clock.Now().Add(-2 * time.Minute), Source: "vlm", Reason: "b"})
	log.Append(CrashEntry{At: clock.Now().Add(-time.Hour), Source: "vlm", Reason: "stale"})
	log.Append(CrashEntry{At: clock.Now().Add(-time.Minute), Source: "agent", Reason: "other"})

	b := NewBreaker(3, 5*time.Minute, clock)
	log.Restore(b, "vlm", 5*time.Minute, clock)

	assert.Equal(t, 2, b.Failures())
	assert.True(t, b.Allow())

	b.RecordFailure()
	assert.False(t, b.Allow())
}
