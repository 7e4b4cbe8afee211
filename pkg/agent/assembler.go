package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Assembler builds the ordered message list for a turn.
type Assembler struct {
	systemPrompt string
	maxHistory   int
	logger       zerolog.Logger
}

// NewAssembler creates an assembler. maxHistory bounds the number of prior
// messages sent to the backend.
func NewAssembler(systemPrompt string, maxHistory int, logger zerolog.Logger) *Assembler {
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistoryMessages
	}
	return &Assembler{
		systemPrompt: systemPrompt,
		maxHistory:   maxHistory,
		logger:       logger,
	}
}

// Assemble returns system directive, trimmed history and the user message.
func (a *Assembler) Assemble(ctx context.Context, req TurnRequest) []Message {
	var tools []ToolSpec
	if req.Turn.Catalog != nil {
		catalog, err := req.Turn.Catalog.Catalog(ctx)
		if err != nil {
			a.logger.Warn().Err(err).Msg("Failed to load tool catalog, continuing without tools")
		} else {
			tools = catalog
		}
	}

	prompt := req.SystemPrompt
	if prompt == "" {
		prompt = a.systemPrompt
	}

	messages := []Message{{Role: RoleSystem, Content: SystemDirective(prompt, tools)}}
	messages = append(messages, a.history(ctx, req)...)
	messages = append(messages, Message{Role: RoleUser, Content: req.UserMessage})
	return messages
}

// ContinuationMessages appends the tool-augmented buffer as an assistant message.
func ContinuationMessages(base []Message, buffer string) []Message {
	out := make([]Message, 0, len(base)+1)
	out = append(out, base...)
	return append(out, Message{Role: RoleAssistant, Content: buffer})
}

func (a *Assembler) history(ctx context.Context, req TurnRequest) []Message {
	if !req.IncludeHistory || req.SessionID == "" || req.Turn.History == nil {
		return nil
	}

	entries, err := req.Turn.History.ConversationHistory(ctx, req.SessionID)
	if err != nil {
		a.logger.Warn().Err(err).Str("session_id", req.SessionID).Msg("Failed to load conversation history")
		return nil
	}

	history := make([]Message, 0, len(entries))
	for _, msg := range entries {
		if msg.Role != RoleUser && msg.Role != RoleAssistant {
			a.logger.Debug().Str("role", string(msg.Role)).Msg("Skipping history message with unsupported role")
			continue
		}
		history = append(history, msg)
	}

	// the caller usually persists the user message before running the turn
	if n := len(history); n > 0 && history[n-1].Role == RoleUser && history[n-1].Content == req.UserMessage {
		history = history[:n-1]
	}

	return a.trim(history)
}

func (a *Assembler) trim(history []Message) []Message {
	if len(history) <= a.maxHistory {
		return history
	}

	dropped := len(history) - a.maxHistory
	a.logger.Debug().Int("dropped", dropped).Msg("Trimming conversation history")

	out := make([]Message, 0, a.maxHistory+1)
	out = append(out, Message{
		Role:    RoleSystem,
		Content: fmt.Sprintf("[Previous conversation summary: %d messages exchanged]", dropped),
	})
	return append(out, history[dropped:]...)
}

// SystemDirective renders prompt followed by tool documentation, if any.
func SystemDirective(prompt string, tools []ToolSpec) string {
	if len(tools) == 0 {
		return prompt
	}

	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\n# Tools\n\n")
	b.WriteString("You may call one or more functions to assist with the user query.\n\n")
	b.WriteString("You are provided with function signatures within <tools></tools> XML tags:\n<tools>\n")
	for _, tool := range tools {
		schema := tool.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		entry := map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        tool.QualifiedName,
				"description": tool.Description,
				"parameters":  schema,
			},
		}
		data, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		b.Write(data)
		b.WriteString("\n")
	}
	b.WriteString("</tools>\n\n")
	b.WriteString("For each function call, return a json object with function name and arguments within <tool_call></tool_call> XML tags:\n")
	b.WriteString("<tool_call>\n{\"name\": <function-name>, \"arguments\": <args-json-object>}\n</tool_call>")
	return b.String()
}
