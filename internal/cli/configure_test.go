package cli

import (
	"testing"

	"github.com/harun/sparrow/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		output, err := execute(t, "configure", "--help")
		require.NoError(t, err)
		assert.Contains(t, output, "Update the Sparrow configuration file")
	})

	t.Run("updates only given fields", func(t *testing.T) {
		configPath, dataDir := writeTestConfig(t)

		output, err := execute(t, "configure", "--config", configPath,
			"--model", "OpenVINO/Phi-4-mini-instruct-int4-ov",
			"--gateway-port", "9900",
			"--gateway-secret", "s3cret")
		require.NoError(t, err)
		assert.Contains(t, output, "Configuration saved to: "+configPath)

		cfg, err := config.Load(configPath)
		require.NoError(t, err)
		assert.Equal(t, "OpenVINO/Phi-4-mini-instruct-int4-ov", cfg.Backend.Model)
		assert.Equal(t, 9900, cfg.Gateway.Port)
		assert.Equal(t, "s3cret", cfg.Gateway.SharedSecret)
		assert.Equal(t, "http://localhost:8000/v3", cfg.Backend.BaseURL)
		assert.Equal(t, dataDir, cfg.DataDir)
	})

	t.Run("rejects invalid provider", func(t *testing.T) {
		configPath, _ := writeTestConfig(t)

		_, err := execute(t, "configure", "--config", configPath, "--provider", "llama")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid backend provider")

		cfg, err := config.Load(configPath)
		require.NoError(t, err)
		assert.Equal(t, "openai", cfg.Backend.Provider)
	})

	t.Run("nothing to change", func(t *testing.T) {
		configPath, _ := writeTestConfig(t)

		output, err := execute(t, "configure", "--config", configPath)
		require.NoError(t, err)
		assert.Contains(t, output, "Nothing to change")
	})
}
