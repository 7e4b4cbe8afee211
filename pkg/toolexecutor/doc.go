// Package toolexecutor supplies tools to chat turns.
//
// Manager owns the MCP server definitions in mcp_config.json and their live
// sessions (stdio, SSE or streamable HTTP). It implements the catalog and
// invoker interfaces of package agent: tools are listed as <server>_<tool>
// and invocations are routed by splitting on the first underscore. Arguments
// are checked against the tool's input schema before the call. In-process
// tools from a LocalRegistry are listed and invoked by their full name.
//
// Usage:
//
//	local := toolexecutor.NewLocalRegistry()
//	_ = toolexecutor.RegisterBuiltins(local)
//	mgr, _ := toolexecutor.NewManager(toolexecutor.ManagerConfig{
//		ConfigPath: "~/.sparrow/mcp_config.json",
//		Local:      local,
//	})
//	_ = mgr.Connect(ctx, "filesystem")
//	out, err := mgr.InvokeTool(ctx, "filesystem_read_file", map[string]any{"path": "/tmp/x"})
package toolexecutor
