package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoaderMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := NewLoader(filepath.Join(dir, "sparrow.json")).Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultBaseURL, cfg.Backend.BaseURL)
	assert.NotEmpty(t, cfg.DataDir)
	assert.Equal(t, filepath.Join(cfg.DataDir, "mcp_config.json"), cfg.MCP.ConfigPath)
	assert.Equal(t, filepath.Join(cfg.DataDir, "chat_sessions.db"), cfg.Sessions.DBPath)
}

func TestLoaderReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sparrow.json")
	content := `{
		"backend": {"provider": "openai", "base_url": "http://localhost:9000/v3", "model": "OpenVINO/qwen"},
		"chat": {"max_history_messages": 8, "tool_timeout": "5s"},
		"data_dir": "` + dir + `"
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:9000/v3", cfg.Backend.BaseURL)
	assert.Equal(t, "OpenVINO/qwen", cfg.Backend.Model)
	assert.Equal(t, 8, cfg.Chat.MaxHistoryMessages)
	assert.Equal(t, 5*time.Second, cfg.Chat.ToolTimeout)
	// untouched keys keep their defaults
	assert.Equal(t, DefaultSystemPrompt, cfg.Chat.SystemPrompt)
	assert.Equal(t, filepath.Join(dir, "sparrow.log"), cfg.Logging.File)
}

func TestLoaderInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sparrow.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoaderSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "sparrow.json")

	cfg := DefaultConfig()
	cfg.Backend.Model = "OpenVINO/phi-4"
	cfg.Gateway.Port = 9999
	cfg.DataDir = dir

	loader := NewLoader(path)
	require.NoError(t, loader.Save(cfg))
	assert.FileExists(t, path)

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "OpenVINO/phi-4", loaded.Backend.Model)
	assert.Equal(t, 9999, loaded.Gateway.Port)
}

func TestGetConfigPath(t *testing.T) {
	assert.Equal(t, "/tmp/x.json", NewLoader("/tmp/x.json").GetConfigPath())
	assert.Contains(t, NewLoader("").GetConfigPath(), filepath.Join(".sparrow", "sparrow.json"))
}
