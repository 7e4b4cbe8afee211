package agent

import (
	"context"
	"fmt"
)

// CompletionStreamProvider opens streaming completions against a backend.
type CompletionStreamProvider interface {
	// Stream opens a stream. An error means the stream could not be established.
	Stream(ctx context.Context, req CompletionRequest) (CompletionStream, error)

	// Provider returns the provider name
	Provider() string
}

// CompletionStream is a pull iterator over stream chunks.
type CompletionStream interface {
	Next() bool
	Current() StreamChunk
	Err() error
	Close() error
}

// ToolCatalogProvider lists the tools documented in the system directive.
type ToolCatalogProvider interface {
	Catalog(ctx context.Context) ([]ToolSpec, error)
}

// ToolInvoker executes a tool by qualified name.
type ToolInvoker interface {
	InvokeTool(ctx context.Context, qualifiedName string, args map[string]any) (string, error)
}

// HistoryProvider returns prior messages of a session, oldest first.
type HistoryProvider interface {
	ConversationHistory(ctx context.Context, sessionID string) ([]Message, error)
}

// EventSink receives incremental turn output.
type EventSink interface {
	Push(ctx context.Context, ev Event) error
}

// ModelSource reports the currently active model id.
type ModelSource interface {
	ActiveModel() (string, bool)
}

// ProviderConfig selects and configures a backend.
type ProviderConfig struct {
	Provider string // "openai", "anthropic"
	BaseURL  string
	APIKey   string
}

// NewProvider creates a CompletionStreamProvider from config.
func NewProvider(cfg ProviderConfig) (CompletionStreamProvider, error) {
	switch cfg.Provider {
	case "openai", "":
		return NewOpenAIProvider(cfg.BaseURL, cfg.APIKey), nil
	case "anthropic":
		return NewAnthropicProvider(cfg.BaseURL, cfg.APIKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}
