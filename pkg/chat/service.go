package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/sparrow/internal/tracing"
	"github.com/harun/sparrow/pkg/agent"
	"github.com/harun/sparrow/pkg/commandqueue"
	"github.com/harun/sparrow/pkg/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrEmptyMessage is returned for blank user input.
var ErrEmptyMessage = errors.New("message is required")

// Tools is the tool surface offered to turns.
type Tools interface {
	agent.ToolCatalogProvider
	agent.ToolInvoker
}

// Config wires a Service.
type Config struct {
	Runner  *agent.Runner
	Backend agent.CompletionStreamProvider
	Models  agent.ModelSource
	Store   *session.Store
	Queue   *commandqueue.CommandQueue
	Tools   Tools // optional

	IncludeHistory bool
	SystemPrompt   string
	Sampling       agent.SamplingParams
	Logger         *zerolog.Logger
}

// Request is one user message sent to a session.
type Request struct {
	// SessionID selects the session; empty creates a new persisted one and
	// a temporary session is persisted before its first turn.
	SessionID      string
	Message        string
	IncludeHistory *bool
	SystemPrompt   string
	Sampling       *agent.SamplingParams
	// RequestID deduplicates client retries.
	RequestID string
	Sink      agent.EventSink
}

// Response describes a finished exchange.
type Response struct {
	SessionID        string           `json:"session_id"`
	Title            string           `json:"title"`
	UserMessage      session.Message  `json:"user_message"`
	AssistantMessage session.Message  `json:"assistant_message"`
	Turn             agent.TurnResult `json:"turn"`
}

// Service runs chat turns against persisted sessions. Turns of one session
// are serialized through the command queue.
type Service struct {
	cfg    Config
	hub    *eventHub
	logger zerolog.Logger
}

// NewService validates cfg and returns a Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if cfg.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if cfg.Models == nil {
		return nil, fmt.Errorf("model source is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("command queue is required")
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Service{
		cfg:    cfg,
		hub:    newEventHub(),
		logger: logger.With().Str("component", "chat").Logger(),
	}, nil
}

// Send persists the user message, runs the turn and persists the reply.
// A hard turn failure is stored as an error message and returned. A
// cancelled turn keeps its partial reply and returns agent.ErrTurnAborted.
func (s *Service) Send(ctx context.Context, req Request) (*Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}
	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}

	sessionID, err := s.resolveSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	ctx = tracing.WithSessionID(ctx, sessionID)

	value, err := s.cfg.Queue.Enqueue(ctx, sessionID, func(ctx context.Context) (any, error) {
		return s.exchange(ctx, sessionID, req)
	}, &commandqueue.TaskOptions{RequestID: req.RequestID})

	resp, _ := value.(*Response)
	return resp, err
}

// Abort cancels the running turn of a session and drops its queued turns.
func (s *Service) Abort(sessionID string) int {
	dropped := s.cfg.Queue.ClearLane(sessionID)
	_ = s.cfg.Runner.Abort(sessionID)
	s.logger.Info().Str("session_id", sessionID).Int("dropped", dropped).Msg("Chat aborted")
	return dropped
}

// IsRunning reports whether a turn is streaming for sessionID.
func (s *Service) IsRunning(sessionID string) bool {
	return s.cfg.Runner.IsRunning(sessionID)
}

// Subscribe observes the events of every turn run for sessionID until the
// returned cancel func is called.
func (s *Service) Subscribe(sessionID string, buffer int) (<-chan agent.Event, func()) {
	return s.hub.Subscribe(sessionID, buffer)
}

// Store exposes the session store.
func (s *Service) Store() *session.Store {
	return s.cfg.Store
}

func (s *Service) resolveSession(ctx context.Context, id string) (string, error) {
	if id == "" {
		sess, err := s.cfg.Store.Create(ctx, "")
		if err != nil {
			return "", err
		}
		return sess.ID, nil
	}

	sess, err := s.cfg.Store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if sess.Temporary {
		if _, err := s.cfg.Store.Persist(ctx, id); err != nil {
			return "", err
		}
	}
	return sess.ID, nil
}

func (s *Service) exchange(ctx context.Context, sessionID string, req Request) (*Response, error) {
	logger := tracing.LoggerFromContext(ctx, s.logger)
	store := s.cfg.Store

	userMsg, err := store.AddMessage(ctx, sessionID, string(agent.RoleUser), req.Message, session.MessageMeta{})
	if err != nil {
		return nil, fmt.Errorf("failed to store user message: %w", err)
	}

	includeHistory := s.cfg.IncludeHistory
	if req.IncludeHistory != nil {
		includeHistory = *req.IncludeHistory
	}
	systemPrompt := s.cfg.SystemPrompt
	if req.SystemPrompt != "" {
		systemPrompt = req.SystemPrompt
	}

	turn := agent.TurnContext{
		Backend: s.cfg.Backend,
		History: store,
		Sink:    publishingSink{next: req.Sink, hub: s.hub, sessionID: sessionID},
		Model:   s.cfg.Models,
	}
	if s.cfg.Tools != nil {
		turn.Catalog = s.cfg.Tools
		turn.Invoker = s.cfg.Tools
	}

	result, runErr := s.cfg.Runner.RunTurn(ctx, agent.TurnRequest{
		UserMessage:    req.Message,
		SessionID:      sessionID,
		IncludeHistory: includeHistory,
		SystemPrompt:   systemPrompt,
		Sampling:       MergeSampling(s.cfg.Sampling, req.Sampling),
		Turn:           turn,
	})

	resp := &Response{SessionID: sessionID, UserMessage: userMsg, Turn: result}

	if errors.Is(runErr, agent.ErrTurnAborted) {
		return s.storeAborted(ctx, logger, resp, runErr)
	}
	if runErr != nil {
		logger.Error().Err(runErr).Msg("Turn failed")
		// Stored without the request context so an aborted turn still records its failure.
		storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		errMsg, err := store.AddMessage(storeCtx, sessionID, string(agent.RoleAssistant),
			"Error: "+runErr.Error(), session.MessageMeta{IsError: true})
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to store error message")
		}
		resp.AssistantMessage = errMsg
		resp.Title = s.title(storeCtx, sessionID)
		return resp, runErr
	}

	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	tps := result.TokensPerSecond()
	assistantMsg, err := store.AddMessage(storeCtx, sessionID, string(agent.RoleAssistant), result.Text,
		session.MessageMeta{TokensPerSecond: &tps})
	if err != nil {
		return resp, fmt.Errorf("failed to store assistant message: %w", err)
	}
	resp.AssistantMessage = assistantMsg

	if modelID, ok := s.cfg.Models.ActiveModel(); ok {
		if err := store.UpdateModel(storeCtx, sessionID, modelID); err != nil {
			logger.Warn().Err(err).Msg("Failed to record session model")
		}
	}
	resp.Title = s.title(storeCtx, sessionID)

	logger.Info().
		Int("tool_calls", len(result.ToolCalls)).
		Float64("tokens_per_second", tps).
		Msg("Chat exchange stored")
	return resp, nil
}

// storeAborted keeps the partial reply of a cancelled turn as an ordinary
// assistant message, since its tokens already reached the caller.
func (s *Service) storeAborted(ctx context.Context, logger zerolog.Logger, resp *Response, runErr error) (*Response, error) {
	logger.Info().Int("chars", len(resp.Turn.Text)).Msg("Turn aborted")

	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if strings.TrimSpace(resp.Turn.Text) != "" {
		msg, err := s.cfg.Store.AddMessage(storeCtx, resp.SessionID, string(agent.RoleAssistant), resp.Turn.Text, session.MessageMeta{})
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to store partial reply")
		}
		resp.AssistantMessage = msg
	}
	resp.Title = s.title(storeCtx, resp.SessionID)
	return resp, runErr
}

func (s *Service) title(ctx context.Context, sessionID string) string {
	sess, err := s.cfg.Store.Get(ctx, sessionID)
	if err != nil {
		return ""
	}
	return sess.Title
}

// MergeSampling overlays the non-nil fields of override on base.
func MergeSampling(base agent.SamplingParams, override *agent.SamplingParams) agent.SamplingParams {
	if override == nil {
		return base
	}
	out := base
	if override.Temperature != nil {
		out.Temperature = override.Temperature
	}
	if override.TopP != nil {
		out.TopP = override.TopP
	}
	if override.Seed != nil {
		out.Seed = override.Seed
	}
	if override.MaxTokens != nil {
		out.MaxTokens = override.MaxTokens
	}
	if override.MaxCompletionTokens != nil {
		out.MaxCompletionTokens = override.MaxCompletionTokens
	}
	return out
}
