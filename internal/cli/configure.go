package cli

import (
	"errors"
	"fmt"

	"github.com/harun/sparrow/internal/config"
	"github.com/spf13/cobra"
)

var (
	configureProvider     string
	configureBaseURL      string
	configureAPIKey       string
	configureModel        string
	configureSystemPrompt string
	configureGatewayHost  string
	configureGatewayPort  int
	configureSecret       string
	configureShow         bool
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Update the Sparrow configuration file",
	Long: `Update the Sparrow configuration file. Only the flags given are changed;
the rest of the existing configuration (or the defaults) is kept. The result
is validated before it is saved.`,
	Example: `  sparrow configure --provider openai --base-url http://localhost:8000/v3 --model OpenVINO/Qwen3-8B-int4-ov
  sparrow configure --show`,
	RunE: runConfigure,
}

func init() {
	flags := configureCmd.Flags()
	flags.StringVar(&configureProvider, "provider", "", "backend provider (openai, anthropic)")
	flags.StringVar(&configureBaseURL, "base-url", "", "backend base URL")
	flags.StringVar(&configureAPIKey, "api-key", "", "backend API key")
	flags.StringVar(&configureModel, "model", "", "model id loaded at start")
	flags.StringVar(&configureSystemPrompt, "system-prompt", "", "default system prompt")
	flags.StringVar(&configureGatewayHost, "gateway-host", "", "gateway listen host")
	flags.IntVar(&configureGatewayPort, "gateway-port", 0, "gateway listen port")
	flags.StringVar(&configureSecret, "gateway-secret", "", "gateway shared secret (empty disables auth)")
	flags.BoolVar(&configureShow, "show", false, "print the resulting configuration")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	changed := applyConfigureFlags(cmd, cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if errs := config.NewValidator().ValidateConfig(cfg); len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}

	out := cmd.OutOrStdout()
	if changed > 0 {
		if err := loader.Save(cfg); err != nil {
			return fmt.Errorf("failed to save configuration: %w", err)
		}
		fmt.Fprintf(out, "Configuration saved to: %s\n", loader.GetConfigPath())
	}
	if configureShow {
		fmt.Fprintln(out, cfg.String())
	}
	if changed == 0 && !configureShow {
		fmt.Fprintln(out, "Nothing to change. Run sparrow configure --help for the available settings.")
	}
	return nil
}

// applyConfigureFlags copies explicitly set flags into cfg and returns how
// many were set.
func applyConfigureFlags(cmd *cobra.Command, cfg *config.Config) int {
	flags := cmd.Flags()
	changed := 0
	set := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
			changed++
		}
	}

	set("provider", func() { cfg.Backend.Provider = configureProvider })
	set("base-url", func() { cfg.Backend.BaseURL = configureBaseURL })
	set("api-key", func() { cfg.Backend.APIKey = configureAPIKey })
	set("model", func() { cfg.Backend.Model = configureModel })
	set("system-prompt", func() { cfg.Chat.SystemPrompt = configureSystemPrompt })
	set("gateway-host", func() { cfg.Gateway.Host = configureGatewayHost })
	set("gateway-port", func() { cfg.Gateway.Port = configureGatewayPort })
	set("gateway-secret", func() { cfg.Gateway.SharedSecret = configureSecret })
	return changed
}
