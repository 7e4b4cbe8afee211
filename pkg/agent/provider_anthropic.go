package agent

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicProvider streams from the Anthropic Messages API.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(baseURL, apiKey string) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
	}
}

// Provider returns the provider name
func (p *AnthropicProvider) Provider() string {
	return "anthropic"
}

// Stream opens a Messages stream. System messages are merged into the
// system parameter since the API has no system role.
func (p *AnthropicProvider) Stream(ctx context.Context, req CompletionRequest) (CompletionStream, error) {
	var system []string
	messages := []anthropic.MessageParam{}

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			system = append(system, msg.Content)
		case RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: anthropicDefaultMaxTokens,
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}

	s := req.Sampling
	if s.MaxCompletionTokens != nil {
		params.MaxTokens = *s.MaxCompletionTokens
	} else if s.MaxTokens != nil {
		params.MaxTokens = *s.MaxTokens
	}
	if s.Temperature != nil {
		params.Temperature = anthropic.Float(*s.Temperature)
	}
	if s.TopP != nil {
		params.TopP = anthropic.Float(*s.TopP)
	}

	stream := &anthropicStream{stream: p.client.Messages.NewStreaming(ctx, params)}
	if err := stream.prime(); err != nil {
		_ = stream.stream.Close()
		return nil, err
	}
	return stream, nil
}

type anthropicStream struct {
	stream  *ssestream.Stream[anthropic.MessageStreamEventUnion]
	current StreamChunk
	pending bool
}

func (s *anthropicStream) prime() error {
	if s.stream.Next() {
		s.current = convertAnthropicEvent(s.stream.Current())
		s.pending = true
		return nil
	}
	return s.stream.Err()
}

func (s *anthropicStream) Next() bool {
	if s.pending {
		s.pending = false
		return true
	}
	if !s.stream.Next() {
		return false
	}
	s.current = convertAnthropicEvent(s.stream.Current())
	return true
}

func (s *anthropicStream) Current() StreamChunk { return s.current }

func (s *anthropicStream) Err() error { return s.stream.Err() }

func (s *anthropicStream) Close() error { return s.stream.Close() }

func convertAnthropicEvent(event anthropic.MessageStreamEventUnion) StreamChunk {
	switch ev := event.AsAny().(type) {
	case anthropic.ContentBlockDeltaEvent:
		if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok {
			return StreamChunk{Delta: delta.Text}
		}
	case anthropic.MessageDeltaEvent:
		if ev.Delta.StopReason != "" {
			return StreamChunk{FinishReason: string(ev.Delta.StopReason)}
		}
	case anthropic.MessageStopEvent:
		return StreamChunk{Finished: true}
	}
	return StreamChunk{}
}
