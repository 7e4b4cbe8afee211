package agent

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
)

// OpenAIProvider streams from any OpenAI-compatible chat completions endpoint,
// including a local model server.
type OpenAIProvider struct {
	client openai.Client
}

// NewOpenAIProvider creates a new OpenAI-compatible provider
func NewOpenAIProvider(baseURL, apiKey string) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIProvider{
		client: openai.NewClient(opts...),
	}
}

// Provider returns the provider name
func (p *OpenAIProvider) Provider() string {
	return "openai"
}

// Stream opens a chat completion stream. The first event is read eagerly so
// that connection and HTTP status failures surface here.
func (p *OpenAIProvider) Stream(ctx context.Context, req CompletionRequest) (CompletionStream, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: toOpenAIMessages(req.Messages),
	}
	applyOpenAISampling(&params, req.Sampling)

	s := &openAIStream{stream: p.client.Chat.Completions.NewStreaming(ctx, params)}
	if err := s.prime(); err != nil {
		_ = s.stream.Close()
		return nil, err
	}
	return s, nil
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case RoleUser:
			out = append(out, openai.UserMessage(msg.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(msg.Content))
		}
	}
	return out
}

func applyOpenAISampling(params *openai.ChatCompletionNewParams, s SamplingParams) {
	if s.Temperature != nil {
		params.Temperature = openai.Float(*s.Temperature)
	}
	if s.TopP != nil {
		params.TopP = openai.Float(*s.TopP)
	}
	if s.Seed != nil {
		params.Seed = openai.Int(*s.Seed)
	}
	if s.MaxTokens != nil {
		params.MaxTokens = openai.Int(*s.MaxTokens)
	}
	if s.MaxCompletionTokens != nil {
		params.MaxCompletionTokens = openai.Int(*s.MaxCompletionTokens)
	}
}

type openAIStream struct {
	stream  *ssestream.Stream[openai.ChatCompletionChunk]
	current StreamChunk
	pending bool
}

func (s *openAIStream) prime() error {
	if s.stream.Next() {
		s.current = convertOpenAIChunk(s.stream.Current())
		s.pending = true
		return nil
	}
	return s.stream.Err()
}

func (s *openAIStream) Next() bool {
	if s.pending {
		s.pending = false
		return true
	}
	if !s.stream.Next() {
		return false
	}
	s.current = convertOpenAIChunk(s.stream.Current())
	return true
}

func (s *openAIStream) Current() StreamChunk { return s.current }

func (s *openAIStream) Err() error { return s.stream.Err() }

func (s *openAIStream) Close() error { return s.stream.Close() }

func convertOpenAIChunk(chunk openai.ChatCompletionChunk) StreamChunk {
	if len(chunk.Choices) == 0 {
		return StreamChunk{}
	}
	choice := chunk.Choices[0]
	return StreamChunk{
		Delta:        choice.Delta.Content,
		Finished:     choice.FinishReason != "",
		FinishReason: choice.FinishReason,
	}
}
