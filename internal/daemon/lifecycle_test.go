package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLifecycleManager(t *testing.T) {
	daemon := createTestDaemon(t)
	defer daemon.Close()

	lm := NewLifecycleManager(daemon)
	assert.NotNil(t, lm)
	assert.Equal(t, daemon, lm.daemon)
	assert.Equal(t, filepath.Join(daemon.config.DataDir, "sparrow.pid"), lm.pidFile)
}

func TestLifecycleManagerStartStop(t *testing.T) {
	daemon := createTestDaemon(t)
	defer daemon.Close()

	lm := NewLifecycleManager(daemon)

	require.NoError(t, lm.Start())

	_, err := os.Stat(lm.pidFile)
	assert.NoError(t, err)
	assert.True(t, lm.IsRunning())

	require.NoError(t, lm.Stop())

	_, err = os.Stat(lm.pidFile)
	assert.True(t, os.IsNotExist(err))
	assert.False(t, lm.IsRunning())
}

func TestLifecycleManagerGetPID(t *testing.T) {
	daemon := createTestDaemon(t)
	defer daemon.Close()

	lm := NewLifecycleManager(daemon)
	require.NoError(t, lm.Start())
	defer lm.Stop()

	pid, err := lm.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestLifecycleManagerStalePIDFile(t *testing.T) {
	daemon := createTestDaemon(t)
	defer daemon.Close()

	lm := NewLifecycleManager(daemon)
	// A PID that cannot belong to a live process.
	require.NoError(t, os.WriteFile(lm.pidFile, []byte("99999999"), 0644))

	require.NoError(t, lm.Start())
	defer lm.Stop()

	pid, err := lm.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestReadPID(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadPID(filepath.Join(dir, "missing.pid"))
	assert.True(t, os.IsNotExist(err))

	bad := filepath.Join(dir, "bad.pid")
	require.NoError(t, os.WriteFile(bad, []byte("not-a-pid"), 0644))
	_, err = ReadPID(bad)
	assert.Error(t, err)

	good := filepath.Join(dir, "good.pid")
	require.NoError(t, os.WriteFile(good, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644))
	pid, err := ReadPID(good)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestSignalStopWithoutDaemon(t *testing.T) {
	dir := t.TempDir()

	_, err := SignalStop(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")

	require.NoError(t, os.WriteFile(PIDFilePath(dir), []byte("99999999"), 0644))
	pid, err := SignalStop(dir)
	require.Error(t, err)
	assert.Equal(t, 99999999, pid)
	assert.Contains(t, err.Error(), "stale")
}
