package toolexecutor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// TransportType is how a server is reached.
type TransportType string

const (
	TransportStdio          TransportType = "stdio"
	TransportSSE            TransportType = "sse"
	TransportStreamableHTTP TransportType = "streamable_http"
)

// ServerConfig describes one MCP server. Either Command (stdio) or URL is set.
type ServerConfig struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
}

// TransportType derives the transport: a command means stdio, a URL ending
// in /mcp means streamable HTTP, any other URL means SSE.
func (c ServerConfig) TransportType() TransportType {
	switch {
	case c.Command != "":
		return TransportStdio
	case c.URL == "":
		return TransportStdio
	case strings.HasSuffix(c.URL, "/sse"):
		return TransportSSE
	case strings.HasSuffix(c.URL, "/mcp"):
		return TransportStreamableHTTP
	default:
		return TransportSSE
	}
}

// Validate checks the fields required by the detected transport.
func (c ServerConfig) Validate() error {
	if c.TransportType() == TransportStdio {
		if c.Command == "" {
			return errors.New("stdio transport requires 'command' field")
		}
		return nil
	}
	if c.URL == "" {
		return errors.New("URL-based transport requires 'url' field")
	}
	return nil
}

// MCPConfig is the content of mcp_config.json.
type MCPConfig struct {
	Servers map[string]ServerConfig `json:"mcpServers"`
}

// NewMCPConfig returns an empty config.
func NewMCPConfig() *MCPConfig {
	return &MCPConfig{Servers: make(map[string]ServerConfig)}
}

// LoadMCPConfig reads path. A missing file yields an empty config.
func LoadMCPConfig(path string) (*MCPConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewMCPConfig(), nil
		}
		return nil, fmt.Errorf("failed to read MCP config: %w", err)
	}

	cfg := NewMCPConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse MCP config: %w", err)
	}
	if cfg.Servers == nil {
		cfg.Servers = make(map[string]ServerConfig)
	}
	return cfg, nil
}

// Save writes the config as indented JSON, creating parent directories.
func (c *MCPConfig) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode MCP config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write MCP config: %w", err)
	}
	return os.Rename(tmp, path)
}

// Server returns the named server config.
func (c *MCPConfig) Server(name string) (ServerConfig, bool) {
	s, ok := c.Servers[name]
	return s, ok
}

// Names returns the server names, sorted.
func (c *MCPConfig) Names() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *MCPConfig) clone() *MCPConfig {
	out := NewMCPConfig()
	for k, v := range c.Servers {
		out.Servers[k] = v
	}
	return out
}
