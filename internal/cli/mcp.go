package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/harun/sparrow/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	mcpCommand string
	mcpArgs    []string
	mcpEnv     []string
	mcpURL     string
	mcpTimeout time.Duration
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Manage MCP tool servers",
	Long: `Manage the MCP servers listed in mcp_config.json. A server is reached over
stdio when it has a command, or over SSE / streamable HTTP when it has a URL.`,
}

var mcpListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured MCP servers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(m *toolexecutor.Manager) error {
			return printServers(cmd.OutOrStdout(), m.Servers())
		})
	},
}

var mcpAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add an MCP server",
	Example: `  sparrow mcp add files --command npx --arg -y --arg @modelcontextprotocol/server-filesystem --arg /tmp
  sparrow mcp add search --url http://localhost:9000/mcp`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		serverCfg, err := serverConfigFromFlags()
		if err != nil {
			return err
		}
		return withManager(func(m *toolexecutor.Manager) error {
			if err := m.AddServer(args[0], serverCfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %s server %q\n", serverCfg.TransportType(), args[0])
			return nil
		})
	},
}

var mcpRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove an MCP server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(m *toolexecutor.Manager) error {
			if err := m.RemoveServer(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed server %q\n", args[0])
			return nil
		})
	},
}

var mcpToolsCmd = &cobra.Command{
	Use:   "tools <name>",
	Short: "Connect to a server and list its tools",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(m *toolexecutor.Manager) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), mcpTimeout)
			defer cancel()

			tools, err := m.FetchTools(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(tools) == 0 {
				fmt.Fprintln(out, "No tools")
			}
			for _, name := range tools {
				fmt.Fprintln(out, name)
			}
			return nil
		})
	},
}

func init() {
	mcpAddCmd.Flags().StringVar(&mcpCommand, "command", "", "executable for a stdio server")
	mcpAddCmd.Flags().StringArrayVar(&mcpArgs, "arg", nil, "argument for the command (repeatable)")
	mcpAddCmd.Flags().StringArrayVar(&mcpEnv, "env", nil, "KEY=VALUE environment entry (repeatable)")
	mcpAddCmd.Flags().StringVar(&mcpURL, "url", "", "URL of an SSE or streamable HTTP server")
	mcpToolsCmd.Flags().DurationVar(&mcpTimeout, "timeout", 30*time.Second, "connect timeout")

	mcpCmd.AddCommand(mcpListCmd, mcpAddCmd, mcpRemoveCmd, mcpToolsCmd)
	rootCmd.AddCommand(mcpCmd)
}

// withManager opens the configured mcp_config.json. Connections made by fn
// are closed on return.
func withManager(fn func(*toolexecutor.Manager) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m, err := toolexecutor.NewManager(toolexecutor.ManagerConfig{
		ConfigPath: cfg.MCP.ConfigPath,
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		return err
	}
	defer m.Close()
	return fn(m)
}

func serverConfigFromFlags() (toolexecutor.ServerConfig, error) {
	cfg := toolexecutor.ServerConfig{
		Command: mcpCommand,
		Args:    mcpArgs,
		URL:     mcpURL,
	}
	if cfg.Command != "" && cfg.URL != "" {
		return cfg, fmt.Errorf("--command and --url are mutually exclusive")
	}
	if len(mcpEnv) > 0 {
		cfg.Env = make(map[string]string, len(mcpEnv))
		for _, entry := range mcpEnv {
			key, value, ok := strings.Cut(entry, "=")
			if !ok || key == "" {
				return cfg, fmt.Errorf("invalid --env %q, expected KEY=VALUE", entry)
			}
			cfg.Env[key] = value
		}
	}
	return cfg, cfg.Validate()
}

func printServers(w io.Writer, servers []toolexecutor.ServerInfo) error {
	if len(servers) == 0 {
		fmt.Fprintln(w, "No MCP servers configured")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTRANSPORT\tTARGET")
	for _, s := range servers {
		target := s.Config.URL
		if s.Config.Command != "" {
			target = strings.Join(append([]string{s.Config.Command}, s.Config.Args...), " ")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Name, s.Transport, target)
	}
	return tw.Flush()
}
