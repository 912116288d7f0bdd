package lock

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid())+"\n", string(data))

	l.Release()
	_, err = os.Stat(filepath.Join(dir, FileName))
	assert.True(t, os.IsNotExist(err))

	l.Release() // idempotent
}

func TestAcquireDeniedWhileOwnerAlive(t *testing.T) {
	dir := t.TempDir()

	// The test process itself plays the live owner. Acquire treats its
	// own PID as reacquirable, so use the parent's instead.
	owner := os.Getppid()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName),
		[]byte(strconv.Itoa(owner)+"\n"), 0o644))

	_, err := Acquire(dir)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestAcquireTakesOverStaleLock(t *testing.T) {
	dir := t.TempDir()

	// PIDs near the max are essentially never in use.
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName),
		[]byte("999999999\n"), 0o644))

	l, err := Acquire(dir)
	require.NoError(t, err)
	defer l.Release()

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid())+"\n", string(data))
}

func TestAcquireTakesOverGarbageLock(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName),
		[]byte("not a pid"), 0o644))

	l, err := Acquire(dir)
	require.NoError(t, err)
	l.Release()
}
