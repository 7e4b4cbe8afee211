package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main Sparrow configuration
type Config struct {
	// Completion backend
	Backend BackendConfig `json:"backend" mapstructure:"backend"`

	// Chat turn behaviour
	Chat ChatConfig `json:"chat" mapstructure:"chat"`

	// Default sampling parameters, overridable per turn
	Sampling SamplingConfig `json:"sampling" mapstructure:"sampling"`

	// MCP tool servers
	MCP MCPConfig `json:"mcp" mapstructure:"mcp"`

	// Session persistence
	Sessions SessionsConfig `json:"sessions" mapstructure:"sessions"`

	// Gateway server
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// BackendConfig selects the completion backend.
type BackendConfig struct {
	Provider string `json:"provider" mapstructure:"provider"` // openai, anthropic
	BaseURL  string `json:"base_url" mapstructure:"base_url"`
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Model    string `json:"model" mapstructure:"model"`
}

// ChatConfig holds defaults for a chat turn.
type ChatConfig struct {
	SystemPrompt       string        `json:"system_prompt" mapstructure:"system_prompt"`
	IncludeHistory     bool          `json:"include_history" mapstructure:"include_history"`
	MaxHistoryMessages int           `json:"max_history_messages" mapstructure:"max_history_messages"`
	ToolTimeout        time.Duration `json:"tool_timeout" mapstructure:"tool_timeout"`
}

// SamplingConfig holds optional sampling parameters. Zero values are not sent.
type SamplingConfig struct {
	Temperature         float64 `json:"temperature" mapstructure:"temperature"`
	TopP                float64 `json:"top_p" mapstructure:"top_p"`
	Seed                int64   `json:"seed" mapstructure:"seed"`
	MaxTokens           int64   `json:"max_tokens" mapstructure:"max_tokens"`
	MaxCompletionTokens int64   `json:"max_completion_tokens" mapstructure:"max_completion_tokens"`
}

// MCPConfig locates the MCP server definitions.
type MCPConfig struct {
	ConfigPath  string   `json:"config_path" mapstructure:"config_path"`
	AutoConnect []string `json:"auto_connect" mapstructure:"auto_connect"`
	WatchConfig bool     `json:"watch_config" mapstructure:"watch_config"`
}

// SessionsConfig holds session store settings.
type SessionsConfig struct {
	DBPath string `json:"db_path" mapstructure:"db_path"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port         int    `json:"port" mapstructure:"port"`
	Host         string `json:"host" mapstructure:"host"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

const (
	// DefaultBaseURL is the OpenAI-compatible endpoint of a local model server.
	DefaultBaseURL = "http://localhost:8000/v3"
	// DefaultSystemPrompt is used when neither config nor caller supply one.
	DefaultSystemPrompt = "You're an AI assistant that provides helpful responses."
)

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			Provider: "openai",
			BaseURL:  DefaultBaseURL,
			APIKey:   "unused",
		},
		Chat: ChatConfig{
			SystemPrompt:       DefaultSystemPrompt,
			IncludeHistory:     true,
			MaxHistoryMessages: 20,
			ToolTimeout:        60 * time.Second,
		},
		MCP: MCPConfig{
			WatchConfig: true,
		},
		Gateway: GatewayConfig{
			Port: 8765,
			Host: "127.0.0.1",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Redaction: true,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Backend.Provider {
	case "openai":
		if c.Backend.BaseURL == "" {
			return fmt.Errorf("backend base_url is required for the openai provider")
		}
	case "anthropic":
		if c.Backend.APIKey == "" {
			return fmt.Errorf("backend api_key is required for the anthropic provider")
		}
	default:
		return fmt.Errorf("invalid backend provider %q (must be: openai, anthropic)", c.Backend.Provider)
	}

	if c.Chat.MaxHistoryMessages < 0 {
		return fmt.Errorf("chat max_history_messages cannot be negative")
	}
	if c.Chat.ToolTimeout < 0 {
		return fmt.Errorf("chat tool_timeout cannot be negative")
	}

	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway port: %d", c.Gateway.Port)
	}

	return nil
}
