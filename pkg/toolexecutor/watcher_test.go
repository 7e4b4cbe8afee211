package toolexecutor

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigWatcherReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcp_config.json")
	m, err := NewManager(ManagerConfig{ConfigPath: path, Logger: zerolog.Nop()})
	require.NoError(t, err)

	w, err := NewConfigWatcher(m, zerolog.Nop())
	require.NoError(t, err)

	reloaded := make(chan error, 4)
	w.OnReload = func(err error) { reloaded <- err }
	require.NoError(t, w.Start())
	defer w.Stop()

	cfg := NewMCPConfig()
	cfg.Servers["time"] = ServerConfig{Command: "uvx"}
	require.NoError(t, cfg.Save(path))

	select {
	case err := <-reloaded:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}

	assert.Eventually(t, func() bool {
		_, ok := m.Config().Server("time")
		return ok
	}, 2*time.Second, 20*time.Millisecond)
}

func TestConfigWatcherRequiresPath(t *testing.T) {
	m, err := NewManager(ManagerConfig{Logger: zerolog.Nop()})
	require.NoError(t, err)

	_, err = NewConfigWatcher(m, zerolog.Nop())
	assert.Error(t, err)
}
