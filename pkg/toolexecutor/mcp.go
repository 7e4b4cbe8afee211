package toolexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ClientVersion is reported to MCP servers during initialization.
var ClientVersion = "0.1.0"

// emptyToolContent is returned when a tool succeeds with no content.
const emptyToolContent = "Empty content returned from tool"

// RemoteTool is a tool advertised by a connected server.
type RemoteTool struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ToolServer is a live connection to one tool server.
type ToolServer interface {
	ListTools(ctx context.Context) ([]RemoteTool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
	Close() error
}

// Connector opens a ToolServer for a configured server.
type Connector func(ctx context.Context, name string, cfg ServerConfig) (ToolServer, error)

// MCPClient is a ToolServer backed by an MCP client session.
type MCPClient struct {
	name    string
	session *mcp.ClientSession
}

// ConnectMCP connects to an MCP server over the transport its config implies.
func ConnectMCP(ctx context.Context, name string, cfg ServerConfig) (ToolServer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}

	transport, err := buildTransport(cfg)
	if err != nil {
		return nil, err
	}

	client := mcp.NewClient(&mcp.Implementation{
		Name:    "sparrow",
		Version: ClientVersion,
	}, nil)

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to MCP server %s: %w", name, err)
	}

	return &MCPClient{name: name, session: session}, nil
}

func buildTransport(cfg ServerConfig) (mcp.Transport, error) {
	switch cfg.TransportType() {
	case TransportStdio:
		// not bound to the connect context: the process outlives the call
		cmd := exec.Command(cfg.Command, cfg.Args...)
		if len(cfg.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range cfg.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		return &mcp.CommandTransport{Command: cmd}, nil
	case TransportSSE:
		return &mcp.SSEClientTransport{Endpoint: cfg.URL}, nil
	case TransportStreamableHTTP:
		return &mcp.StreamableClientTransport{Endpoint: cfg.URL}, nil
	default:
		return nil, fmt.Errorf("unsupported transport: %s", cfg.TransportType())
	}
}

// ListTools fetches every tool, following pagination.
func (c *MCPClient) ListTools(ctx context.Context) ([]RemoteTool, error) {
	var tools []RemoteTool
	params := &mcp.ListToolsParams{}

	for {
		result, err := c.session.ListTools(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("list tools from %s: %w", c.name, err)
		}
		for _, t := range result.Tools {
			tools = append(tools, RemoteTool{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: schemaToMap(t.InputSchema),
			})
		}
		if result.NextCursor == "" {
			return tools, nil
		}
		params = &mcp.ListToolsParams{Cursor: result.NextCursor}
	}
}

// CallTool invokes a tool and flattens its content to text.
func (c *MCPClient) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	result, err := c.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return "", fmt.Errorf("call tool %s: %w", name, err)
	}

	text := contentText(result.Content)
	if result.IsError {
		return "", errors.New(text)
	}
	return text, nil
}

// Close ends the session. For stdio servers this stops the process.
func (c *MCPClient) Close() error {
	return c.session.Close()
}

// contentText joins text content with newlines. Other content is JSON encoded.
func contentText(content []mcp.Content) string {
	if len(content) == 0 {
		return emptyToolContent
	}

	parts := make([]string, 0, len(content))
	for _, item := range content {
		switch v := item.(type) {
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if data, err := json.Marshal(item); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	return strings.Join(parts, "\n")
}

func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return nil
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}
