package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testModel = "OpenVINO/Qwen3-8B-int4-ov"

func newTestRunner(t *testing.T, mutate ...func(*Config)) *Runner {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Logger = zerolog.Nop()
	for _, m := range mutate {
		m(&cfg)
	}
	runner, err := NewRunner(cfg)
	require.NoError(t, err)
	return runner
}

func turnContext(backend *scriptedBackend, invoker ToolInvoker, sink EventSink) TurnContext {
	return TurnContext{
		Backend: backend,
		Invoker: invoker,
		Sink:    sink,
		Model:   NewActiveModel(testModel),
	}
}

func TestNewRunner(t *testing.T) {
	t.Run("should create runner with defaults", func(t *testing.T) {
		runner := newTestRunner(t)
		assert.Equal(t, DefaultToolTimeout, runner.toolTimeout)
	})

	t.Run("should reject negative tool timeout", func(t *testing.T) {
		_, err := NewRunner(Config{ToolTimeout: -time.Second})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "tool timeout")
	})

	t.Run("should reject negative history size", func(t *testing.T) {
		_, err := NewRunner(Config{MaxHistoryMessages: -1})
		assert.Error(t, err)
	})
}

func TestRunTurnWithoutToolsNeverContinues(t *testing.T) {
	backend := &scriptedBackend{streams: []*scriptedStream{
		{chunks: deltas("Hel", "lo, ", "world", "!")},
	}}
	sink := &recordingSink{}

	result, err := newTestRunner(t).RunTurn(context.Background(), TurnRequest{
		UserMessage: "hi",
		Turn:        turnContext(backend, &fakeInvoker{}, sink),
	})
	require.NoError(t, err)

	assert.Equal(t, "Hello, world!", result.Text)
	assert.False(t, result.ContinuationUsed)
	assert.Equal(t, 1, backend.calls())
	assert.Equal(t, []TurnPhase{PhaseAssembling, PhaseStreaming, PhaseStreamDone, PhaseDone}, result.Phases)
	assert.True(t, backend.streams[0].closed)

	last := sink.events[len(sink.events)-1]
	assert.Equal(t, TokenEvent("", true), last)
	assert.Equal(t, "Hello, world!", sink.tokens())
}

func TestRunTurnToolSuccessTriggersContinuation(t *testing.T) {
	backend := &scriptedBackend{streams: []*scriptedStream{
		{chunks: deltas(`Computing <tool_call>{"name": "calc_answer", `, `"arguments": {"q": "life"}}</tool_call>`)},
		{chunks: deltas("The answer is 42.")},
	}}
	invoker := &fakeInvoker{results: map[string]string{"calc_answer": "42"}}
	sink := &recordingSink{}

	result, err := newTestRunner(t).RunTurn(context.Background(), TurnRequest{
		UserMessage: "what is the answer?",
		Turn:        turnContext(backend, invoker, sink),
	})
	require.NoError(t, err)

	assert.Contains(t, result.Text, "<tool_response>\n42\n</tool_response>")
	assert.True(t, strings.HasSuffix(result.Text, "The answer is 42."))
	assert.True(t, result.ContinuationUsed)
	assert.Equal(t, 2, backend.calls())
	require.Len(t, result.ToolCalls, 1)
	assert.True(t, result.ToolCalls[0].OK)
	assert.Equal(t, map[string]any{"q": "life"}, result.ToolCalls[0].Invocation.Arguments)

	// continuation sees the whole buffer as the last assistant message
	contReq := backend.requests[1]
	last := contReq.Messages[len(contReq.Messages)-1]
	assert.Equal(t, RoleAssistant, last.Role)
	assert.Contains(t, last.Content, `<tool_call>{"name": "calc_answer"`)
	assert.Contains(t, last.Content, "<tool_response>\n42\n</tool_response>")
	assert.Equal(t, RoleUser, contReq.Messages[len(contReq.Messages)-2].Role)

	tools := sink.toolEvents()
	require.Len(t, tools, 1)
	assert.Equal(t, "calc_answer", tools[0].ToolName)
	assert.Equal(t, "42", tools[0].Result)
	assert.False(t, tools[0].IsError)

	assert.Equal(t, result.Text, sink.tokens())
	assert.Equal(t, []TurnPhase{
		PhaseAssembling, PhaseStreaming, PhaseStreamDone,
		PhaseContinuing, PhaseContinuationDone, PhaseDone,
	}, result.Phases)
}

func TestRunTurnToolErrorStillContinues(t *testing.T) {
	backend := &scriptedBackend{streams: []*scriptedStream{
		{chunks: deltas(`<tool_call>{"name": "fs_read", "arguments": {"path": "/x"}}</tool_call>`)},
		{chunks: deltas("Sorry, reading failed.")},
	}}
	invoker := &fakeInvoker{errs: map[string]error{"fs_read": errors.New("boom")}}
	sink := &recordingSink{}

	result, err := newTestRunner(t).RunTurn(context.Background(), TurnRequest{
		UserMessage: "read /x",
		Turn:        turnContext(backend, invoker, sink),
	})
	require.NoError(t, err)

	assert.Contains(t, result.Text, "<tool_response>\nError: boom\n</tool_response>")
	assert.True(t, result.ContinuationUsed)
	assert.Equal(t, 2, backend.calls())
	assert.True(t, result.HasError(ToolExecutionError))

	tools := sink.toolEvents()
	require.Len(t, tools, 1)
	assert.True(t, tools[0].IsError)
	assert.Equal(t, "boom", tools[0].Result)
}

func TestRunTurnDuplicateCallDispatchedOnce(t *testing.T) {
	call := `<tool_call>{"name": "time_get_current_time", "arguments": {"tz": "UTC", "fmt": "iso"}}</tool_call>`
	same := `<tool_call>{"name": "time_get_current_time", "arguments": {"fmt": "iso", "tz": "UTC"}}</tool_call>`
	backend := &scriptedBackend{streams: []*scriptedStream{
		{chunks: deltas(call, " again ", same)},
		{chunks: deltas("ok")},
	}}
	invoker := &fakeInvoker{results: map[string]string{"time_get_current_time": "noon"}}

	result, err := newTestRunner(t).RunTurn(context.Background(), TurnRequest{
		UserMessage: "time?",
		Turn:        turnContext(backend, invoker, nil),
	})
	require.NoError(t, err)

	assert.Len(t, invoker.invocations(), 1)
	assert.Equal(t, 1, result.DuplicateCalls)
	assert.Equal(t, 1, strings.Count(result.Text, "<tool_response>"))
}

func TestRunTurnCallsInOneChunkDispatchedInOrder(t *testing.T) {
	backend := &scriptedBackend{streams: []*scriptedStream{
		{chunks: deltas(`<tool_call>{"name": "a_one", "arguments": {}}</tool_call><tool_call>{"name": "b_two", "arguments": {}}</tool_call>`)},
		{chunks: deltas("done")},
	}}
	invoker := &fakeInvoker{results: map[string]string{"a_one": "1", "b_two": "2"}}
	sink := &recordingSink{}

	result, err := newTestRunner(t).RunTurn(context.Background(), TurnRequest{
		UserMessage: "both",
		Turn:        turnContext(backend, invoker, sink),
	})
	require.NoError(t, err)

	calls := invoker.invocations()
	require.Len(t, calls, 2)
	assert.Equal(t, "a_one", calls[0].name)
	assert.Equal(t, "b_two", calls[1].name)
	assert.Less(t, strings.Index(result.Text, "\n1\n"), strings.Index(result.Text, "\n2\n"))

	tools := sink.toolEvents()
	require.Len(t, tools, 2)
	assert.Equal(t, "a_one", tools[0].ToolName)
	assert.Equal(t, "b_two", tools[1].ToolName)
}

func TestRunTurnEndToEndCurrentTime(t *testing.T) {
	backend := &scriptedBackend{streams: []*scriptedStream{
		{chunks: deltas(
			"Let me check the time.\n<tool_",
			`call>{"name": "time_get_current_time", "arguments": {"timezone": null}}`,
			"</tool_call>",
		)},
		{chunks: deltas(
			"It is currently 2024-01-01T00:00:00Z. ",
			`<tool_call>{"name": "time_get_current_time", "arguments": {"again": true}}</tool_call>`,
		)},
	}}
	invoker := &fakeInvoker{results: map[string]string{"time_get_current_time": "2024-01-01T00:00:00Z"}}
	sink := &recordingSink{}

	result, err := newTestRunner(t).RunTurn(context.Background(), TurnRequest{
		UserMessage: "What time is it?",
		Turn: TurnContext{
			Backend: backend,
			Invoker: invoker,
			Catalog: staticCatalog{{QualifiedName: "time_get_current_time", Description: "Current time"}},
			Sink:    sink,
			Model:   NewActiveModel(testModel),
		},
	})
	require.NoError(t, err)

	calls := invoker.invocations()
	require.Len(t, calls, 1, "continuation output must not dispatch tools")
	assert.Empty(t, calls[0].args, "null-valued keys are stripped")

	answer := result.Text[strings.LastIndex(result.Text, "</tool_response>"):]
	assert.Contains(t, answer, "2024-01-01T00:00:00Z")
	assert.Equal(t, 2, backend.calls())

	system := backend.requests[0].Messages[0]
	assert.Equal(t, RoleSystem, system.Role)
	assert.Contains(t, system.Content, "time_get_current_time")
	assert.Equal(t, "Qwen3-8B-int4-ov", backend.requests[0].Model)
}

func TestRunTurnUnparsableArgumentsStillInvoked(t *testing.T) {
	backend := &scriptedBackend{streams: []*scriptedStream{
		{chunks: deltas(`<tool_call>{"name": "web_search", "arguments": "query=go"}</tool_call>`)},
		{chunks: deltas("done")},
	}}
	invoker := &fakeInvoker{results: map[string]string{"web_search": "results"}}

	result, err := newTestRunner(t).RunTurn(context.Background(), TurnRequest{
		UserMessage: "search",
		Turn:        turnContext(backend, invoker, nil),
	})
	require.NoError(t, err)

	calls := invoker.invocations()
	require.Len(t, calls, 1)
	assert.Empty(t, calls[0].args)
	assert.True(t, result.HasError(ToolArgumentParseError))
	assert.True(t, result.ContinuationUsed)
}

func TestRunTurnDistinctUnparsableArgumentsBothInvoked(t *testing.T) {
	backend := &scriptedBackend{streams: []*scriptedStream{
		{chunks: deltas(
			`<tool_call>{"name": "web_search", "arguments": "query=go"}</tool_call>`,
			`<tool_call>{"name": "web_search", "arguments": "query=rust"}</tool_call>`,
			`<tool_call>{"name": "web_search", "arguments": "query=go"}</tool_call>`,
		)},
		{chunks: deltas("done")},
	}}
	invoker := &fakeInvoker{results: map[string]string{"web_search": "results"}}

	result, err := newTestRunner(t).RunTurn(context.Background(), TurnRequest{
		UserMessage: "search",
		Turn:        turnContext(backend, invoker, nil),
	})
	require.NoError(t, err)

	assert.Len(t, invoker.invocations(), 2)
	assert.Equal(t, 1, result.DuplicateCalls)
	assert.Equal(t, 2, backend.calls())
}

// cancellingInvoker aborts its own turn and then blocks until the turn's
// context is done.
type cancellingInvoker struct {
	abort func()
	calls int
}

func (c *cancellingInvoker) InvokeTool(ctx context.Context, _ string, _ map[string]any) (string, error) {
	c.calls++
	c.abort()
	<-ctx.Done()
	return "", ctx.Err()
}

func TestRunTurnAbortDuringToolSkipsContinuation(t *testing.T) {
	backend := &scriptedBackend{streams: []*scriptedStream{
		{chunks: deltas(
			`Checking. <tool_call>{"name": "slow_tool", "arguments": {}}</tool_call>`,
			`<tool_call>{"name": "other_tool", "arguments": {}}</tool_call>`,
		)},
		{chunks: deltas("continuation after abort")},
	}}
	sink := &recordingSink{}
	runner := newTestRunner(t)
	invoker := &cancellingInvoker{abort: func() { _ = runner.Abort("s1") }}

	result, err := runner.RunTurn(context.Background(), TurnRequest{
		UserMessage: "go",
		SessionID:   "s1",
		Turn:        turnContext(backend, invoker, sink),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTurnAborted)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsHardError(err))

	assert.Equal(t, 1, backend.calls())
	assert.Equal(t, 1, invoker.calls)
	assert.True(t, result.Aborted)
	assert.False(t, result.ContinuationUsed)
	assert.NotContains(t, result.Text, "<tool_response>")
	assert.Equal(t, `Checking. <tool_call>{"name": "slow_tool", "arguments": {}}</tool_call>`, result.Text)
	assert.Equal(t, []TurnPhase{PhaseAssembling, PhaseStreaming, PhaseStreamDone, PhaseDone}, result.Phases)
	assert.Empty(t, sink.toolEvents())
	assert.Equal(t, TokenEvent("", true), sink.events[len(sink.events)-1])
	assert.False(t, runner.IsRunning("s1"))
}

// cancelOnTokenSink cancels the turn when it sees a given token.
type cancelOnTokenSink struct {
	recordingSink
	token  string
	cancel context.CancelFunc
}

func (s *cancelOnTokenSink) Push(ctx context.Context, ev Event) error {
	if ev.Type == EventToken && ev.Token == s.token {
		s.cancel()
	}
	return s.recordingSink.Push(ctx, ev)
}

func TestRunTurnCallerCancelDuringContinuation(t *testing.T) {
	backend := &scriptedBackend{streams: []*scriptedStream{
		{chunks: deltas(`<tool_call>{"name": "time_now", "arguments": {}}</tool_call>`)},
		{chunks: deltas("It is ", "noon.")},
	}}
	invoker := &fakeInvoker{results: map[string]string{"time_now": "12:00"}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &cancelOnTokenSink{token: "It is ", cancel: cancel}

	result, err := newTestRunner(t).RunTurn(ctx, TurnRequest{
		UserMessage: "time?",
		Turn:        turnContext(backend, invoker, sink),
	})
	require.ErrorIs(t, err, ErrTurnAborted)

	assert.True(t, result.Aborted)
	assert.True(t, result.ContinuationUsed)
	assert.True(t, strings.HasSuffix(result.Text, "</tool_response>It is "))
	assert.NotContains(t, result.Text, "Continuation failed")
	assert.False(t, result.HasError(ContinuationError))
	assert.Equal(t, PhaseDone, result.Phases[len(result.Phases)-1])
	assert.NotContains(t, result.Phases, PhaseContinuationDone)
}

func TestRunTurnToolTimeout(t *testing.T) {
	backend := &scriptedBackend{streams: []*scriptedStream{
		{chunks: deltas(`<tool_call>{"name": "slow_tool", "arguments": {}}</tool_call>`)},
		{chunks: deltas("gave up")},
	}}
	invoker := &fakeInvoker{delay: time.Second}

	runner := newTestRunner(t, func(c *Config) { c.ToolTimeout = 20 * time.Millisecond })
	result, err := runner.RunTurn(context.Background(), TurnRequest{
		UserMessage: "slow",
		Turn:        turnContext(backend, invoker, nil),
	})
	require.NoError(t, err)

	assert.Contains(t, result.Text, "Error: tool invocation timed out after 20ms")
	assert.True(t, result.ContinuationUsed)
	assert.True(t, strings.HasSuffix(result.Text, "gave up"))
}

func TestRunTurnIncompleteCallRecorded(t *testing.T) {
	backend := &scriptedBackend{streams: []*scriptedStream{
		{chunks: deltas(`Trying <tool_call>{"name": "x"`)},
	}}

	result, err := newTestRunner(t).RunTurn(context.Background(), TurnRequest{
		UserMessage: "go",
		Turn:        turnContext(backend, &fakeInvoker{}, nil),
	})
	require.NoError(t, err)

	assert.True(t, result.IncompleteCall)
	assert.False(t, result.ContinuationUsed)
	assert.Equal(t, `Trying <tool_call>{"name": "x"`, result.Text)
}

func TestRunTurnStreamInterrupted(t *testing.T) {
	backend := &scriptedBackend{streams: []*scriptedStream{
		{chunks: []StreamChunk{{Delta: "partial answer"}}, failAt: errors.New("connection reset")},
	}}
	sink := &recordingSink{}

	result, err := newTestRunner(t).RunTurn(context.Background(), TurnRequest{
		UserMessage: "go",
		Turn:        turnContext(backend, &fakeInvoker{}, sink),
	})
	require.NoError(t, err)

	assert.Equal(t, "partial answer\n[Stream interrupted: connection reset]", result.Text)
	assert.True(t, result.HasError(TransportError))
	assert.Equal(t, result.Text, sink.tokens())
}

func TestRunTurnContinuationFailure(t *testing.T) {
	t.Run("open failure", func(t *testing.T) {
		backend := &scriptedBackend{
			streams:  []*scriptedStream{{chunks: deltas(`<tool_call>{"name": "a_b", "arguments": {}}</tool_call>`)}},
			openErrs: []error{nil, errors.New("server down")},
		}

		result, err := newTestRunner(t).RunTurn(context.Background(), TurnRequest{
			UserMessage: "go",
			Turn:        turnContext(backend, &fakeInvoker{results: map[string]string{"a_b": "ok"}}, nil),
		})
		require.NoError(t, err)

		assert.Contains(t, result.Text, "<tool_response>\nok\n</tool_response>")
		assert.True(t, strings.HasSuffix(result.Text, "\n[Continuation failed: server down]"))
		assert.True(t, result.HasError(ContinuationError))
	})

	t.Run("mid-stream failure keeps partial output", func(t *testing.T) {
		backend := &scriptedBackend{streams: []*scriptedStream{
			{chunks: deltas(`<tool_call>{"name": "a_b", "arguments": {}}</tool_call>`)},
			{chunks: []StreamChunk{{Delta: "The result"}}, failAt: errors.New("eof")},
		}}

		result, err := newTestRunner(t).RunTurn(context.Background(), TurnRequest{
			UserMessage: "go",
			Turn:        turnContext(backend, &fakeInvoker{results: map[string]string{"a_b": "ok"}}, nil),
		})
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(result.Text, "The result\n[Continuation failed: eof]"))
	})
}

func TestRunTurnHardErrors(t *testing.T) {
	t.Run("no model loaded", func(t *testing.T) {
		backend := &scriptedBackend{}
		_, err := newTestRunner(t).RunTurn(context.Background(), TurnRequest{
			UserMessage: "hi",
			Turn:        TurnContext{Backend: backend, Model: NewActiveModel("")},
		})
		assert.ErrorIs(t, err, ErrNoModelLoaded)
		assert.True(t, IsHardError(err))
		assert.Equal(t, 0, backend.calls())
	})

	t.Run("primary stream cannot open", func(t *testing.T) {
		backend := &scriptedBackend{openErrs: []error{errors.New("connection refused")}}
		_, err := newTestRunner(t).RunTurn(context.Background(), TurnRequest{
			UserMessage: "hi",
			Turn:        turnContext(backend, nil, nil),
		})
		assert.ErrorIs(t, err, ErrStreamUnavailable)
		assert.Contains(t, err.Error(), "connection refused")
	})

	t.Run("no backend", func(t *testing.T) {
		_, err := newTestRunner(t).RunTurn(context.Background(), TurnRequest{UserMessage: "hi"})
		assert.ErrorIs(t, err, ErrNoBackend)
	})
}

func TestRunTurnSinkFailureIgnored(t *testing.T) {
	backend := &scriptedBackend{streams: []*scriptedStream{
		{chunks: deltas(`<tool_call>{"name": "a_b", "arguments": {}}</tool_call>`)},
		{chunks: deltas("fine")},
	}}
	sink := &recordingSink{fail: true}

	result, err := newTestRunner(t).RunTurn(context.Background(), TurnRequest{
		UserMessage: "go",
		Turn:        turnContext(backend, &fakeInvoker{results: map[string]string{"a_b": "ok"}}, sink),
	})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(result.Text, "fine"))
	assert.True(t, sink.events[len(sink.events)-1].Finished)
}

func TestRunTurnPassesSampling(t *testing.T) {
	backend := &scriptedBackend{streams: []*scriptedStream{{chunks: deltas("x")}}}
	temp := 0.2
	seed := int64(7)

	_, err := newTestRunner(t).RunTurn(context.Background(), TurnRequest{
		UserMessage: "hi",
		Sampling:    SamplingParams{Temperature: &temp, Seed: &seed},
		Turn:        turnContext(backend, nil, nil),
	})
	require.NoError(t, err)

	got := backend.requests[0].Sampling
	require.NotNil(t, got.Temperature)
	assert.Equal(t, 0.2, *got.Temperature)
	assert.Equal(t, int64(7), *got.Seed)
	assert.Nil(t, got.TopP)
}

func TestAbortUnknownSession(t *testing.T) {
	runner := newTestRunner(t)
	assert.NoError(t, runner.Abort("missing"))
	assert.False(t, runner.IsRunning("missing"))
}
