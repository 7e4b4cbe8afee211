package toolexecutor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServer struct {
	mu      sync.Mutex
	tools   []RemoteTool
	results map[string]string
	listErr error
	calls   []string
	closed  bool
}

func (f *fakeServer) ListTools(context.Context) ([]RemoteTool, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.tools, nil
}

func (f *fakeServer) CallTool(_ context.Context, name string, _ map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if out, ok := f.results[name]; ok {
		return out, nil
	}
	return "", errors.New("unknown tool " + name)
}

func (f *fakeServer) Close() error {
	f.closed = true
	return nil
}

func newTestManager(t *testing.T, servers map[string]*fakeServer) *Manager {
	t.Helper()

	m, err := NewManager(ManagerConfig{
		ConfigPath: filepath.Join(t.TempDir(), "mcp_config.json"),
		Logger:     zerolog.Nop(),
		Connector: func(_ context.Context, name string, _ ServerConfig) (ToolServer, error) {
			s, ok := servers[name]
			if !ok {
				return nil, errors.New("refused")
			}
			return s, nil
		},
	})
	require.NoError(t, err)
	return m
}

func timeServer() *fakeServer {
	return &fakeServer{
		tools: []RemoteTool{{
			Name:        "get_current_time",
			Description: "Current time",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"timezone": map[string]any{"type": "string"}},
			},
		}, {
			Name: "convert_time",
		}},
		results: map[string]string{"get_current_time": "2024-01-01T00:00:00Z"},
	}
}

func TestManagerServerLifecycle(t *testing.T) {
	srv := timeServer()
	m := newTestManager(t, map[string]*fakeServer{"time": srv})
	ctx := context.Background()

	require.NoError(t, m.AddServer("time", ServerConfig{Command: "uvx", Args: []string{"mcp-server-time"}}))
	assert.FileExists(t, m.ConfigPath())

	info, err := m.Server("time")
	require.NoError(t, err)
	assert.Equal(t, StatusDisconnected, info.Status)
	assert.Empty(t, info.Tools)

	require.NoError(t, m.Connect(ctx, "time"))
	assert.True(t, m.IsConnected("time"))

	info, err = m.Server("time")
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, info.Status)
	assert.Equal(t, []string{"convert_time", "get_current_time"}, info.Tools)

	err = m.EditServer("time", ServerConfig{Command: "other"})
	assert.ErrorContains(t, err, "while it is connected")

	require.NoError(t, m.Disconnect("time"))
	assert.True(t, srv.closed)
	require.NoError(t, m.EditServer("time", ServerConfig{Command: "other"}))

	require.NoError(t, m.RemoveServer("time"))
	assert.Empty(t, m.Servers())

	reloaded, err := LoadMCPConfig(m.ConfigPath())
	require.NoError(t, err)
	assert.Empty(t, reloaded.Servers)
}

func TestManagerErrors(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	assert.ErrorContains(t, m.Connect(ctx, "nope"), "not found in configuration")
	assert.ErrorContains(t, m.EditServer("nope", ServerConfig{Command: "x"}), "not found")
	assert.ErrorContains(t, m.RemoveServer("nope"), "not found")
	assert.Error(t, m.AddServer("", ServerConfig{Command: "x"}))
	assert.Error(t, m.AddServer("bad_name", ServerConfig{Command: "x"}))
	assert.ErrorContains(t, m.AddServer("empty", ServerConfig{}), "invalid configuration")

	require.NoError(t, m.AddServer("down", ServerConfig{URL: "http://localhost:1/sse"}))
	assert.ErrorContains(t, m.Connect(ctx, "down"), "refused")
	assert.False(t, m.IsConnected("down"))

	_, err := m.FetchTools(ctx, "down")
	assert.ErrorContains(t, err, "not connected")
}

func TestManagerCatalogAndInvoke(t *testing.T) {
	local := NewLocalRegistry()
	require.NoError(t, local.RegisterTool(echoTool()))

	srv := timeServer()
	m, err := NewManager(ManagerConfig{
		Local:  local,
		Logger: zerolog.Nop(),
		Connector: func(context.Context, string, ServerConfig) (ToolServer, error) {
			return srv, nil
		},
	})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, m.AddServer("time", ServerConfig{Command: "uvx"}))
	require.NoError(t, m.Connect(ctx, "time"))

	specs, err := m.Catalog(ctx)
	require.NoError(t, err)
	require.Len(t, specs, 3)
	assert.Equal(t, "text_echo", specs[0].QualifiedName)
	assert.Equal(t, "time_convert_time", specs[1].QualifiedName)
	assert.Equal(t, "Tool 'convert_time' from MCP server 'time'", specs[1].Description)
	assert.Equal(t, "time_get_current_time", specs[2].QualifiedName)

	out, err := m.InvokeTool(ctx, "time_get_current_time", map[string]any{"timezone": "UTC"})
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01T00:00:00Z", out)
	assert.Equal(t, []string{"get_current_time"}, srv.calls)

	out, err = m.InvokeTool(ctx, "text_echo", map[string]any{"text": "local"})
	require.NoError(t, err)
	assert.Equal(t, "local", out)

	_, err = m.InvokeTool(ctx, "time_get_current_time", map[string]any{"timezone": 5})
	assert.ErrorContains(t, err, "invalid arguments")

	_, err = m.InvokeTool(ctx, "notool", nil)
	assert.ErrorContains(t, err, "invalid tool name format")

	_, err = m.InvokeTool(ctx, "weather_forecast", nil)
	assert.ErrorContains(t, err, "server 'weather' not connected")
}

func TestManagerCatalogLocalToolShadowsMCPTool(t *testing.T) {
	local := NewLocalRegistry()
	require.NoError(t, RegisterBuiltins(local))

	srv := timeServer()
	m, err := NewManager(ManagerConfig{
		Local:  local,
		Logger: zerolog.Nop(),
		Connector: func(context.Context, string, ServerConfig) (ToolServer, error) {
			return srv, nil
		},
	})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, m.AddServer("time", ServerConfig{Command: "uvx", Args: []string{"mcp-server-time"}}))
	require.NoError(t, m.Connect(ctx, "time"))

	for i := 0; i < 2; i++ {
		specs, err := m.Catalog(ctx)
		require.NoError(t, err)

		var names []string
		for _, s := range specs {
			names = append(names, s.QualifiedName)
		}
		assert.Equal(t, []string{"time_get_current_time", "time_convert_time"}, names)
		assert.Equal(t, "Get the current date and time in RFC 3339 format", specs[0].Description)
	}
	assert.Len(t, m.shadowed, 1)

	out, err := m.InvokeTool(ctx, "time_get_current_time", nil)
	require.NoError(t, err)
	assert.NotEqual(t, "2024-01-01T00:00:00Z", out)
	assert.Empty(t, srv.calls)
}

func TestManagerCatalogSkipsFailingServer(t *testing.T) {
	good := timeServer()
	bad := &fakeServer{}
	m := newTestManager(t, map[string]*fakeServer{"good": good, "bad": bad})
	ctx := context.Background()

	require.NoError(t, m.AddServer("good", ServerConfig{Command: "a"}))
	require.NoError(t, m.AddServer("bad", ServerConfig{Command: "b"}))
	require.NoError(t, m.Connect(ctx, "good"))
	require.NoError(t, m.Connect(ctx, "bad"))

	bad.listErr = errors.New("server crashed")
	specs, err := m.Catalog(ctx)
	require.NoError(t, err)
	assert.Len(t, specs, 2)
}

func TestManagerReloadDropsRemovedServers(t *testing.T) {
	srv := timeServer()
	m := newTestManager(t, map[string]*fakeServer{"time": srv})
	ctx := context.Background()

	require.NoError(t, m.AddServer("time", ServerConfig{Command: "uvx"}))
	require.NoError(t, m.Connect(ctx, "time"))

	require.NoError(t, NewMCPConfig().Save(m.ConfigPath()))
	require.NoError(t, m.Reload())

	assert.False(t, m.IsConnected("time"))
	assert.True(t, srv.closed)
	assert.Empty(t, m.Servers())
}

func TestManagerConnectAllAndClose(t *testing.T) {
	a, b := timeServer(), timeServer()
	m := newTestManager(t, map[string]*fakeServer{"a": a, "b": b})
	ctx := context.Background()

	require.NoError(t, m.AddServer("a", ServerConfig{Command: "a"}))
	require.NoError(t, m.AddServer("b", ServerConfig{Command: "b"}))
	require.NoError(t, m.AddServer("c", ServerConfig{Command: "c"}))

	connected := m.ConnectAll(ctx, []string{"a", "b", "c", "missing"})
	assert.Equal(t, []string{"a", "b"}, connected)

	require.NoError(t, m.Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
	assert.False(t, m.IsConnected("a"))
}
