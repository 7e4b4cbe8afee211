package agent

import "time"

// Role is the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the ordered conversation sent to the backend.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// StreamChunk is a single increment produced by a completion stream.
type StreamChunk struct {
	Delta        string `json:"delta,omitempty"`
	Finished     bool   `json:"finished"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// SamplingParams are optional backend sampling knobs. Nil fields are not sent.
type SamplingParams struct {
	Temperature         *float64 `json:"temperature,omitempty"`
	TopP                *float64 `json:"top_p,omitempty"`
	Seed                *int64   `json:"seed,omitempty"`
	MaxTokens           *int64   `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int64   `json:"max_completion_tokens,omitempty"`
}

// CompletionRequest is what a CompletionStreamProvider needs to open a stream.
type CompletionRequest struct {
	Model    string
	Messages []Message
	Sampling SamplingParams
}

// ToolSpec documents one tool in the system directive.
type ToolSpec struct {
	QualifiedName string         `json:"name"`
	Description   string         `json:"description"`
	InputSchema   map[string]any `json:"parameters,omitempty"`
}

// EventType distinguishes sink events.
type EventType string

const (
	EventToken EventType = "token"
	EventTool  EventType = "tool"
)

// Event is pushed to the EventSink. Token events carry Token/Finished,
// tool events carry the tool fields.
type Event struct {
	Type     EventType `json:"type"`
	Token    string    `json:"token"`
	Finished bool      `json:"finished"`

	ToolName  string         `json:"tool_name,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    string         `json:"result,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

// TokenEvent builds a token event.
func TokenEvent(token string, finished bool) Event {
	return Event{Type: EventToken, Token: token, Finished: finished}
}

// ToolInvocation is a dispatched tool call.
type ToolInvocation struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolOutcome is the result of one dispatched invocation.
type ToolOutcome struct {
	Invocation ToolInvocation `json:"invocation"`
	OK         bool           `json:"ok"`
	Text       string         `json:"text"`
	Duration   time.Duration  `json:"duration"`
}

// TurnPhase is a state of the per-turn state machine.
type TurnPhase string

const (
	PhaseAssembling       TurnPhase = "ASSEMBLING"
	PhaseStreaming        TurnPhase = "STREAMING"
	PhaseStreamDone       TurnPhase = "STREAM_DONE"
	PhaseContinuing       TurnPhase = "CONTINUING"
	PhaseContinuationDone TurnPhase = "CONTINUATION_DONE"
	PhaseDone             TurnPhase = "DONE"
)

// TurnContext carries the collaborators of a single turn.
type TurnContext struct {
	Backend CompletionStreamProvider
	Catalog ToolCatalogProvider // optional
	Invoker ToolInvoker         // optional
	History HistoryProvider     // optional
	Sink    EventSink           // optional
	Model   ModelSource
}

// TurnRequest is the input to Runner.RunTurn.
type TurnRequest struct {
	UserMessage    string
	SessionID      string
	IncludeHistory bool
	// SystemPrompt overrides the runner default when non-empty.
	SystemPrompt string
	Sampling     SamplingParams
	Turn         TurnContext
}

// TurnResult is the outcome of a turn that did not hard-fail.
type TurnResult struct {
	Text             string        `json:"text"`
	Model            string        `json:"model"`
	ToolCalls        []ToolOutcome `json:"tool_calls,omitempty"`
	DuplicateCalls   int           `json:"duplicate_calls,omitempty"`
	ContinuationUsed bool          `json:"continuation_used"`
	IncompleteCall   bool          `json:"incomplete_call,omitempty"`
	Aborted          bool          `json:"aborted,omitempty"`
	Phases           []TurnPhase   `json:"phases"`
	Errors           []TurnError   `json:"errors,omitempty"`
	Chunks           int           `json:"chunks"`
	Duration         time.Duration `json:"duration"`
}

// TokensPerSecond approximates throughput from streamed chunk count.
func (r TurnResult) TokensPerSecond() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.Chunks) / r.Duration.Seconds()
}
