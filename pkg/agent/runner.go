package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/sparrow/internal/observability"
	"github.com/harun/sparrow/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// DefaultSystemPrompt is used when neither the runner nor the turn set one.
	DefaultSystemPrompt = "You're an AI assistant that provides helpful responses."
	// DefaultMaxHistoryMessages bounds the history sent with a turn.
	DefaultMaxHistoryMessages = 20
	// DefaultToolTimeout bounds a single tool invocation.
	DefaultToolTimeout = 60 * time.Second
)

// Runner executes chat turns. It holds no per-turn state, so one Runner may
// serve any number of concurrent turns.
type Runner struct {
	assembler   *Assembler
	toolTimeout time.Duration
	logger      zerolog.Logger

	// Active turns for abort capability
	activeRuns map[string]context.CancelFunc
	runsMu     sync.RWMutex
}

// Config holds runner configuration
type Config struct {
	SystemPrompt       string
	MaxHistoryMessages int
	// ToolTimeout bounds each tool call. Zero disables the bound.
	ToolTimeout time.Duration
	Logger      zerolog.Logger
}

// DefaultConfig returns default runner configuration
func DefaultConfig() Config {
	return Config{
		SystemPrompt:       DefaultSystemPrompt,
		MaxHistoryMessages: DefaultMaxHistoryMessages,
		ToolTimeout:        DefaultToolTimeout,
		Logger:             zerolog.Nop(),
	}
}

// NewRunner creates a new turn runner
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.MaxHistoryMessages < 0 {
		return nil, fmt.Errorf("max history messages cannot be negative")
	}
	if cfg.ToolTimeout < 0 {
		return nil, fmt.Errorf("tool timeout cannot be negative")
	}

	return &Runner{
		assembler:   NewAssembler(cfg.SystemPrompt, cfg.MaxHistoryMessages, cfg.Logger),
		toolTimeout: cfg.ToolTimeout,
		logger:      cfg.Logger,
		activeRuns:  make(map[string]context.CancelFunc),
	}, nil
}

// RunTurn runs one user turn: primary stream with inline tool dispatch, then
// at most one continuation. An error is returned when no model is active,
// when the primary stream cannot be opened, or when the turn is cancelled
// (ErrTurnAborted, returned with the partial result). Every other failure is
// folded into the result text and TurnResult.Errors.
func (r *Runner) RunTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	start := time.Now()
	if ctx == nil {
		ctx = context.Background()
	}
	if req.Turn.Backend == nil {
		return TurnResult{}, ErrNoBackend
	}

	ctx = tracing.NewTurnContext(ctx, req.SessionID)
	ctx, span := tracing.StartSpan(ctx, "sparrow.agent", "agent.run_turn",
		attribute.String("provider", req.Turn.Backend.Provider()))
	defer span.End()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.track(req.SessionID, cancel)
	defer r.untrack(req.SessionID)

	logger := tracing.LoggerFromContext(ctx, r.logger)
	st := newTurnState(logger)
	st.enter(PhaseAssembling)

	var modelID string
	var ok bool
	if req.Turn.Model != nil {
		modelID, ok = req.Turn.Model.ActiveModel()
	}
	if !ok {
		tracing.RecordError(span, ErrNoModelLoaded)
		observability.RecordTurn(req.Turn.Backend.Provider(), time.Since(start), false)
		return TurnResult{}, ErrNoModelLoaded
	}
	model := BackendModelName(modelID)
	logger = logger.With().Str("model", model).Logger()
	st.logger = logger
	span.SetAttributes(attribute.String("model", model))

	sink := newTurnSink(req.Turn.Sink, logger)
	messages := r.assembler.Assemble(ctx, req)

	stream, err := req.Turn.Backend.Stream(ctx, CompletionRequest{
		Model:    model,
		Messages: messages,
		Sampling: req.Sampling,
	})
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrStreamUnavailable, err)
		logger.Error().Err(err).Msg("Failed to open completion stream")
		tracing.RecordError(span, err)
		observability.RecordTurn(req.Turn.Backend.Provider(), time.Since(start), false)
		return TurnResult{}, err
	}

	st.enter(PhaseStreaming)
	c := &consumer{
		state:      st,
		dispatcher: newDispatcher(req.Turn.Invoker, sink, r.toolTimeout, logger),
		sink:       sink,
		logger:     logger,
	}
	streamErr := c.run(ctx, stream)
	st.enter(PhaseStreamDone)

	if ctx.Err() != nil {
		return r.abortTurn(ctx, st, sink, req, model, st.text(), start)
	}

	var final strings.Builder
	final.WriteString(st.text())

	if streamErr != nil {
		logger.Warn().Err(streamErr).Msg("Stream interrupted")
		st.recordError(TransportError, "", streamErr)
		note := fmt.Sprintf("\n[Stream interrupted: %v]", streamErr)
		final.WriteString(note)
		sink.token(ctx, note)
	}

	incomplete := HasIncompleteCall(st.text())
	if incomplete {
		observability.RecordIncompleteCall()
		logger.Warn().Msg("Stream ended inside an unterminated tool call")
	}

	if st.continuationNeeded {
		st.enter(PhaseContinuing)
		cont := &continuation{backend: req.Turn.Backend, sink: sink, logger: logger}
		text, err := cont.run(ctx, CompletionRequest{
			Model:    model,
			Messages: ContinuationMessages(messages, st.text()),
			Sampling: req.Sampling,
		})
		final.WriteString(text)
		if ctx.Err() != nil {
			return r.abortTurn(ctx, st, sink, req, model, final.String(), start)
		}
		if err != nil {
			st.recordError(ContinuationError, "", err)
		}
		observability.RecordContinuation(err == nil)
		st.enter(PhaseContinuationDone)
	}

	st.enter(PhaseDone)
	sink.push(ctx, TokenEvent("", true))

	duration := time.Since(start)
	observability.RecordTurn(req.Turn.Backend.Provider(), duration, true)
	logger.Info().
		Int("tool_calls", len(st.outcomes)).
		Bool("continuation", st.continuationNeeded).
		Dur("duration", duration).
		Msg("Turn completed")

	return TurnResult{
		Text:             final.String(),
		Model:            model,
		ToolCalls:        st.outcomes,
		DuplicateCalls:   st.duplicates,
		ContinuationUsed: st.continuationNeeded,
		IncompleteCall:   incomplete,
		Phases:           st.phases,
		Errors:           st.errors,
		Chunks:           st.chunks,
		Duration:         duration,
	}, nil
}

// abortTurn ends a cancelled turn after its primary stream. Output already
// pushed to the sink stays valid; no continuation is opened.
func (r *Runner) abortTurn(ctx context.Context, st *turnState, sink *turnSink, req TurnRequest, model, text string, start time.Time) (TurnResult, error) {
	cause := ctx.Err()
	st.enter(PhaseDone)
	sink.push(context.WithoutCancel(ctx), TokenEvent("", true))

	duration := time.Since(start)
	observability.RecordTurn(req.Turn.Backend.Provider(), duration, false)
	st.logger.Info().
		Int("tool_calls", len(st.outcomes)).
		Dur("duration", duration).
		Msg("Turn aborted")

	return TurnResult{
		Text:             text,
		Model:            model,
		ToolCalls:        st.outcomes,
		DuplicateCalls:   st.duplicates,
		ContinuationUsed: st.entered(PhaseContinuing),
		IncompleteCall:   HasIncompleteCall(st.text()),
		Aborted:          true,
		Phases:           st.phases,
		Errors:           st.errors,
		Chunks:           st.chunks,
		Duration:         duration,
	}, fmt.Errorf("%w: %w", ErrTurnAborted, cause)
}

// Abort cancels the running turn of a session, if any.
func (r *Runner) Abort(sessionID string) error {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()

	cancel, exists := r.activeRuns[sessionID]
	if !exists {
		r.logger.Debug().Str("session_id", sessionID).Msg("No active turn to abort")
		return nil
	}

	r.logger.Info().Str("session_id", sessionID).Msg("Aborting turn")
	cancel()
	delete(r.activeRuns, sessionID)

	return nil
}

// IsRunning checks if a turn is currently running for a session
func (r *Runner) IsRunning(sessionID string) bool {
	r.runsMu.RLock()
	defer r.runsMu.RUnlock()

	_, exists := r.activeRuns[sessionID]
	return exists
}

func (r *Runner) track(sessionID string, cancel context.CancelFunc) {
	if sessionID == "" {
		return
	}
	r.runsMu.Lock()
	r.activeRuns[sessionID] = cancel
	r.runsMu.Unlock()
}

func (r *Runner) untrack(sessionID string) {
	if sessionID == "" {
		return
	}
	r.runsMu.Lock()
	delete(r.activeRuns, sessionID)
	r.runsMu.Unlock()
}

// IsHardError reports whether err came from RunTurn failing before streaming.
func IsHardError(err error) bool {
	return errors.Is(err, ErrNoModelLoaded) || errors.Is(err, ErrStreamUnavailable) || errors.Is(err, ErrNoBackend)
}
