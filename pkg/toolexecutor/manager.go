package toolexecutor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/harun/sparrow/internal/observability"
	"github.com/harun/sparrow/pkg/agent"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// Server status values reported by Servers.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// ServerInfo describes a configured server and its connection state.
type ServerInfo struct {
	Name      string        `json:"name"`
	Config    ServerConfig  `json:"config"`
	Transport TransportType `json:"transport"`
	Status    string        `json:"status"`
	Tools     []string      `json:"tools"`
}

type connection struct {
	server ToolServer
	tools  map[string]RemoteTool
}

// Manager owns the MCP server configuration and connections. It implements
// agent.ToolCatalogProvider and agent.ToolInvoker. Connections are looked up
// under the lock and used after releasing it, so a slow tool never blocks
// other turns or management calls.
type Manager struct {
	configPath string
	connect    Connector
	local      *LocalRegistry
	logger     zerolog.Logger

	mu          sync.RWMutex
	config      *MCPConfig
	connections map[string]*connection
	// shadowed holds qualified MCP names already reported as hidden by a
	// local tool.
	shadowed map[string]struct{}
}

// ManagerConfig holds manager configuration
type ManagerConfig struct {
	// ConfigPath is the mcp_config.json location. Empty keeps config in memory.
	ConfigPath string
	// Connector defaults to ConnectMCP.
	Connector Connector
	// Local tools are listed and invoked alongside MCP tools.
	Local  *LocalRegistry
	Logger zerolog.Logger
}

// NewManager loads the server config and returns a manager with no connections.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	observability.EnsureRegistered()

	mcpConfig := NewMCPConfig()
	if cfg.ConfigPath != "" {
		loaded, err := LoadMCPConfig(cfg.ConfigPath)
		if err != nil {
			return nil, err
		}
		mcpConfig = loaded
	}

	connect := cfg.Connector
	if connect == nil {
		connect = ConnectMCP
	}

	return &Manager{
		configPath:  cfg.ConfigPath,
		connect:     connect,
		local:       cfg.Local,
		logger:      cfg.Logger,
		config:      mcpConfig,
		connections: make(map[string]*connection),
		shadowed:    make(map[string]struct{}),
	}, nil
}

// Connect starts a session with the named server and caches its tool list.
func (m *Manager) Connect(ctx context.Context, name string) error {
	m.mu.RLock()
	serverCfg, ok := m.config.Server(name)
	_, connected := m.connections[name]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("server '%s' not found in configuration", name)
	}
	if connected {
		return nil
	}
	if err := serverCfg.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	m.logger.Info().Str("server", name).Str("transport", string(serverCfg.TransportType())).Msg("Connecting to MCP server")

	server, err := m.connect(ctx, name, serverCfg)
	if err != nil {
		return fmt.Errorf("failed to connect to server '%s': %w", name, err)
	}

	tools, err := server.ListTools(ctx)
	if err != nil {
		_ = server.Close()
		return fmt.Errorf("failed to list tools of server '%s': %w", name, err)
	}

	m.mu.Lock()
	if _, raced := m.connections[name]; raced {
		m.mu.Unlock()
		_ = server.Close()
		return nil
	}
	m.connections[name] = &connection{server: server, tools: indexTools(tools)}
	count := len(m.connections)
	m.mu.Unlock()

	observability.SetMCPConnectedServers(count)
	m.logger.Info().Str("server", name).Int("tools", len(tools)).Msg("Connected to MCP server")
	return nil
}

// ConnectAll connects every named server, logging failures. It returns the
// names that connected.
func (m *Manager) ConnectAll(ctx context.Context, names []string) []string {
	var connected []string
	for _, name := range names {
		if err := m.Connect(ctx, name); err != nil {
			m.logger.Warn().Err(err).Str("server", name).Msg("Auto-connect failed")
			continue
		}
		connected = append(connected, name)
	}
	return connected
}

// Disconnect closes the session with the named server, if connected.
func (m *Manager) Disconnect(name string) error {
	m.mu.Lock()
	conn, ok := m.connections[name]
	delete(m.connections, name)
	count := len(m.connections)
	m.mu.Unlock()

	if !ok {
		return nil
	}

	observability.SetMCPConnectedServers(count)
	m.logger.Info().Str("server", name).Msg("Disconnected from MCP server")
	return conn.server.Close()
}

// IsConnected reports whether the named server has a live session.
func (m *Manager) IsConnected(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.connections[name]
	return ok
}

// AddServer adds or replaces a server definition and saves the config.
func (m *Manager) AddServer(name string, cfg ServerConfig) error {
	if err := validateServerName(name); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.config.Servers[name] = cfg
	return m.saveLocked()
}

// EditServer replaces an existing definition. Connected servers must be
// disconnected first.
func (m *Manager) EditServer(name string, cfg ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.config.Servers[name]; !ok {
		return fmt.Errorf("server '%s' not found", name)
	}
	if _, ok := m.connections[name]; ok {
		return fmt.Errorf("cannot edit server '%s' while it is connected. Please disconnect first", name)
	}

	m.config.Servers[name] = cfg
	return m.saveLocked()
}

// RemoveServer disconnects and deletes a server definition.
func (m *Manager) RemoveServer(name string) error {
	m.mu.RLock()
	_, ok := m.config.Servers[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("server '%s' not found", name)
	}

	if err := m.Disconnect(name); err != nil {
		m.logger.Warn().Err(err).Str("server", name).Msg("Error closing MCP session")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.config.Servers, name)
	return m.saveLocked()
}

// Servers lists configured servers with their status, sorted by name.
func (m *Manager) Servers() []ServerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]ServerInfo, 0, len(m.config.Servers))
	for _, name := range m.config.Names() {
		cfg := m.config.Servers[name]
		info := ServerInfo{
			Name:      name,
			Config:    cfg,
			Transport: cfg.TransportType(),
			Status:    StatusDisconnected,
			Tools:     []string{},
		}
		if conn, ok := m.connections[name]; ok {
			info.Status = StatusConnected
			info.Tools = sortedToolNames(conn.tools)
		}
		infos = append(infos, info)
	}
	return infos
}

// Server returns info for one server.
func (m *Manager) Server(name string) (ServerInfo, error) {
	for _, info := range m.Servers() {
		if info.Name == name {
			return info, nil
		}
	}
	return ServerInfo{}, fmt.Errorf("server '%s' not found", name)
}

// FetchTools re-lists the tools of a connected server and returns their names.
func (m *Manager) FetchTools(ctx context.Context, name string) ([]string, error) {
	conn, err := m.refresh(ctx, name)
	if err != nil {
		return nil, err
	}
	return sortedToolNames(conn.tools), nil
}

// refresh re-lists tools and swaps in a new connection value. Connection
// values are never mutated, so readers holding an old one stay consistent.
func (m *Manager) refresh(ctx context.Context, name string) (*connection, error) {
	conn, err := m.connection(name)
	if err != nil {
		return nil, err
	}

	tools, err := conn.server.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tools: %w", err)
	}

	updated := &connection{server: conn.server, tools: indexTools(tools)}
	m.mu.Lock()
	if current, ok := m.connections[name]; ok && current.server == conn.server {
		m.connections[name] = updated
	}
	m.mu.Unlock()

	return updated, nil
}

// Catalog lists local tools and the tools of every connected server, with
// MCP tools qualified as <server>_<tool>. Servers that fail to list are skipped.
// An MCP tool whose qualified name is taken by a local tool is left out.
func (m *Manager) Catalog(ctx context.Context) ([]agent.ToolSpec, error) {
	var specs []agent.ToolSpec
	if m.local != nil {
		specs = append(specs, m.local.Specs()...)
	}

	m.mu.RLock()
	names := make([]string, 0, len(m.connections))
	for name := range m.connections {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)

	for _, name := range names {
		conn, err := m.refresh(ctx, name)
		if err != nil {
			m.logger.Warn().Err(err).Str("server", name).Msg("Failed to get tools from server")
			continue
		}

		for _, toolName := range sortedToolNames(conn.tools) {
			tool := conn.tools[toolName]
			qualified := name + "_" + tool.Name
			if m.local != nil && m.local.Has(qualified) {
				m.reportShadowed(qualified)
				continue
			}
			desc := tool.Description
			if desc == "" {
				desc = fmt.Sprintf("Tool '%s' from MCP server '%s'", tool.Name, name)
			}
			specs = append(specs, agent.ToolSpec{
				QualifiedName: qualified,
				Description:   desc,
				InputSchema:   tool.InputSchema,
			})
		}
	}

	return specs, nil
}

// reportShadowed logs, once per name, an MCP tool hidden by a local tool of
// the same qualified name.
func (m *Manager) reportShadowed(qualified string) {
	m.mu.Lock()
	_, seen := m.shadowed[qualified]
	m.shadowed[qualified] = struct{}{}
	m.mu.Unlock()
	if !seen {
		m.logger.Warn().Str("tool", qualified).Msg("MCP tool shadowed by local tool of the same name")
	}
}

// InvokeTool calls a tool by qualified name. Local tools match by full name;
// otherwise the name is split on the first underscore into server and tool.
func (m *Manager) InvokeTool(ctx context.Context, qualifiedName string, args map[string]any) (string, error) {
	if m.local != nil && m.local.Has(qualifiedName) {
		return m.local.Execute(ctx, qualifiedName, args)
	}

	serverName, toolName, ok := strings.Cut(qualifiedName, "_")
	if !ok || serverName == "" || toolName == "" {
		return "", fmt.Errorf("invalid tool name format. Expected: server_toolname")
	}

	conn, err := m.connection(serverName)
	if err != nil {
		return "", err
	}

	if tool, ok := conn.tools[toolName]; ok && tool.InputSchema != nil {
		if err := validateArguments(tool.InputSchema, args); err != nil {
			return "", err
		}
	}

	m.logger.Debug().Str("server", serverName).Str("tool", toolName).Msg("Calling MCP tool")
	return conn.server.CallTool(ctx, toolName, args)
}

// Reload re-reads the config file. Connected servers that were removed from
// the file are disconnected.
func (m *Manager) Reload() error {
	if m.configPath == "" {
		return nil
	}

	cfg, err := LoadMCPConfig(m.configPath)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.config = cfg
	var stale []string
	for name := range m.connections {
		if _, ok := cfg.Servers[name]; !ok {
			stale = append(stale, name)
		}
	}
	m.mu.Unlock()

	for _, name := range stale {
		if err := m.Disconnect(name); err != nil {
			m.logger.Warn().Err(err).Str("server", name).Msg("Error closing MCP session")
		}
	}

	m.logger.Info().Int("servers", len(cfg.Servers)).Msg("MCP config reloaded")
	return nil
}

// Config returns a copy of the current server configuration.
func (m *Manager) Config() *MCPConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.clone()
}

// ConfigPath returns the config file location.
func (m *Manager) ConfigPath() string {
	return m.configPath
}

// Close disconnects every server.
func (m *Manager) Close() error {
	m.mu.Lock()
	conns := m.connections
	m.connections = make(map[string]*connection)
	m.mu.Unlock()

	var firstErr error
	for name, conn := range conns {
		if err := conn.server.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", name, err)
		}
	}
	observability.SetMCPConnectedServers(0)
	return firstErr
}

func (m *Manager) connection(name string) (*connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.connections[name]
	if !ok {
		return nil, fmt.Errorf("server '%s' not connected", name)
	}
	return conn, nil
}

func (m *Manager) saveLocked() error {
	if m.configPath == "" {
		return nil
	}
	if err := m.config.Save(m.configPath); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

func validateServerName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("server name is required")
	}
	// the first underscore separates server from tool in qualified names
	if strings.Contains(name, "_") {
		return fmt.Errorf("server name '%s' must not contain '_'", name)
	}
	return nil
}

func validateArguments(schema map[string]any, args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		// servers occasionally publish schemas gojsonschema rejects; let the server judge
		return nil
	}
	if err := validateParameters(compiled, args); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func indexTools(tools []RemoteTool) map[string]RemoteTool {
	out := make(map[string]RemoteTool, len(tools))
	for _, t := range tools {
		out[t.Name] = t
	}
	return out
}

func sortedToolNames(tools map[string]RemoteTool) []string {
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
