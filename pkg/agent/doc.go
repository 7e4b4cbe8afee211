// Package agent runs tool-augmented streaming chat turns.
//
// A turn streams one completion from the backend, forwarding every token to
// the caller's EventSink as it arrives. Inline <tool_call>{...}</tool_call>
// blocks are detected incrementally and executed synchronously through the
// ToolInvoker; each result is spliced back as a <tool_response> block. When
// any tool ran, exactly one continuation completion is requested with the
// whole buffer as an assistant message so the model can phrase a final
// answer. Tool calls inside the continuation are not executed.
//
// Invariants:
//   - A tool call signature is dispatched at most once per turn.
//   - The turn buffer is append-only.
//   - Sink events arrive in causal order and end with a finished token event.
//   - RunTurn fails only when no model is active or the stream cannot open.
//
// Usage:
//
//	runner, _ := agent.NewRunner(agent.DefaultConfig())
//	result, err := runner.RunTurn(ctx, agent.TurnRequest{
//		UserMessage: "What time is it?",
//		Turn: agent.TurnContext{
//			Backend: agent.NewOpenAIProvider("http://localhost:8000/v3", "unused"),
//			Invoker: mcpManager,
//			Catalog: mcpManager,
//			Model:   agent.NewActiveModel("OpenVINO/Qwen3-8B-int4-ov"),
//		},
//	})
package agent
