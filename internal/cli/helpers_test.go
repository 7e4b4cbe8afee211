package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and returns everything written
// to stdout and stderr. Flags are reset afterwards since commands are
// package-level singletons.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := GetRootCmd()
	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(output)
	cmd.SetArgs(args)
	t.Cleanup(func() { resetFlags(cmd) })

	err := cmd.Execute()
	return output.String(), err
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if slice, ok := f.Value.(pflag.SliceValue); ok {
			_ = slice.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// writeTestConfig writes a config file whose data directory is a temp dir.
func writeTestConfig(t *testing.T) (configPath, dataDir string) {
	t.Helper()

	dataDir = t.TempDir()
	configPath = filepath.Join(dataDir, "sparrow.json")
	data, err := json.Marshal(map[string]interface{}{
		"data_dir": dataDir,
		"backend": map[string]interface{}{
			"provider": "openai",
			"base_url": "http://localhost:8000/v3",
			"api_key":  "unused",
			"model":    "OpenVINO/Qwen3-8B-int4-ov",
		},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(configPath, data, 0644))
	return configPath, dataDir
}

func hasCommand(name string) bool {
	for _, c := range GetRootCmd().Commands() {
		if c.Name() == name {
			return true
		}
	}
	return false
}
