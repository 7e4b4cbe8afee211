package toolexecutor

import (
	"context"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildTransport(t *testing.T) {
	t.Run("stdio inherits env when extra vars set", func(t *testing.T) {
		tr, err := buildTransport(ServerConfig{Command: "mcp-server", Args: []string{"--x"}, Env: map[string]string{"TOKEN": "t"}})
		require.NoError(t, err)

		ct, ok := tr.(*mcp.CommandTransport)
		require.True(t, ok)
		assert.Equal(t, []string{"mcp-server", "--x"}, ct.Command.Args)
		assert.Contains(t, ct.Command.Env, "TOKEN=t")

		hasPath := false
		for _, e := range ct.Command.Env {
			if strings.HasPrefix(e, "PATH=") {
				hasPath = true
			}
		}
		assert.True(t, hasPath)
	})

	t.Run("stdio without env leaves env nil", func(t *testing.T) {
		tr, err := buildTransport(ServerConfig{Command: "mcp-server"})
		require.NoError(t, err)
		assert.Nil(t, tr.(*mcp.CommandTransport).Command.Env)
	})

	t.Run("sse", func(t *testing.T) {
		tr, err := buildTransport(ServerConfig{URL: "http://localhost:8080/sse"})
		require.NoError(t, err)
		sse, ok := tr.(*mcp.SSEClientTransport)
		require.True(t, ok)
		assert.Equal(t, "http://localhost:8080/sse", sse.Endpoint)
	})

	t.Run("streamable http", func(t *testing.T) {
		tr, err := buildTransport(ServerConfig{URL: "http://localhost:8080/mcp"})
		require.NoError(t, err)
		_, ok := tr.(*mcp.StreamableClientTransport)
		assert.True(t, ok)
	})
}

func TestContentText(t *testing.T) {
	assert.Equal(t, emptyToolContent, contentText(nil))
	assert.Equal(t, "a\nb", contentText([]mcp.Content{
		&mcp.TextContent{Text: "a"},
		&mcp.TextContent{Text: "b"},
	}))
}

func TestSchemaToMap(t *testing.T) {
	assert.Nil(t, schemaToMap(nil))

	m := map[string]any{"type": "object"}
	assert.Equal(t, m, schemaToMap(m))

	type props struct {
		Type string `json:"type"`
	}
	assert.Equal(t, map[string]any{"type": "object"}, schemaToMap(props{Type: "object"}))
}

type greetInput struct {
	Name string `json:"name"`
}

func TestMCPClientInMemory(t *testing.T) {
	ctx := context.Background()

	server := mcp.NewServer(&mcp.Implementation{Name: "greeter", Version: "v0.0.1"}, nil)
	mcp.AddTool(server, &mcp.Tool{Name: "greet", Description: "Say hi"},
		func(ctx context.Context, req *mcp.CallToolRequest, in greetInput) (*mcp.CallToolResult, any, error) {
			if in.Name == "" {
				return &mcp.CallToolResult{
					IsError: true,
					Content: []mcp.Content{&mcp.TextContent{Text: "name required"}},
				}, nil, nil
			}
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: "Hi " + in.Name}},
			}, nil, nil
		})

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	serverSession, err := server.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	defer serverSession.Close()

	client := mcp.NewClient(&mcp.Implementation{Name: "sparrow-test", Version: "v0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)

	c := &MCPClient{name: "greeter", session: session}
	defer c.Close()

	tools, err := c.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "greet", tools[0].Name)
	assert.Equal(t, "object", tools[0].InputSchema["type"])

	out, err := c.CallTool(ctx, "greet", map[string]any{"name": "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "Hi Ada", out)

	_, err = c.CallTool(ctx, "greet", map[string]any{"name": ""})
	assert.EqualError(t, err, "name required")
}
