package agent

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignatureIsKeyOrderIndependent(t *testing.T) {
	a := Signature("x", map[string]any{"a": 1, "b": map[string]any{"d": 2, "c": 3}})
	b := Signature("x", map[string]any{"b": map[string]any{"c": 3, "d": 2}, "a": 1})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, Signature("y", map[string]any{"a": 1, "b": map[string]any{"c": 3, "d": 2}}))
}

func TestStripNulls(t *testing.T) {
	out := stripNulls(map[string]any{"keep": "v", "drop": nil, "zero": 0})
	assert.Equal(t, map[string]any{"keep": "v", "zero": 0}, out)
}

func TestParseArguments(t *testing.T) {
	args, err := parseArguments(`{"a": 1}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": float64(1)}, args)

	args, err = parseArguments("")
	require.NoError(t, err)
	assert.Empty(t, args)

	args, err = parseArguments("null")
	require.NoError(t, err)
	assert.NotNil(t, args)

	args, err = parseArguments("{broken")
	assert.Error(t, err)
	assert.NotNil(t, args)
	assert.Empty(t, args)
}

func TestDispatchWithoutInvoker(t *testing.T) {
	sink := &recordingSink{}
	st := newTurnState(zerolog.Nop())
	d := newDispatcher(nil, newTurnSink(sink, zerolog.Nop()), 0, zerolog.Nop())

	d.Dispatch(context.Background(), st, []Extraction{{Name: "x_y", Arguments: "{}"}})

	assert.Contains(t, st.text(), "Error: no tool invoker configured")
	assert.True(t, st.continuationNeeded)
	require.Len(t, sink.toolEvents(), 1)
}

func TestDispatchParentCancelled(t *testing.T) {
	t.Run("should not start calls once cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		st := newTurnState(zerolog.Nop())
		invoker := &fakeInvoker{}
		d := newDispatcher(invoker, newTurnSink(nil, zerolog.Nop()), DefaultToolTimeout, zerolog.Nop())

		d.Dispatch(ctx, st, []Extraction{{Name: "slow", Arguments: "{}"}})

		assert.Empty(t, invoker.invocations())
		assert.Empty(t, st.text())
		assert.False(t, st.continuationNeeded)
	})

	t.Run("should not splice a call cancelled while running", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		st := newTurnState(zerolog.Nop())
		sink := &recordingSink{}
		invoker := &fakeInvoker{delay: time.Second}
		d := newDispatcher(invoker, newTurnSink(sink, zerolog.Nop()), DefaultToolTimeout, zerolog.Nop())

		time.AfterFunc(20*time.Millisecond, cancel)
		d.Dispatch(ctx, st, []Extraction{{Name: "slow", Arguments: "{}"}, {Name: "next", Arguments: "{}"}})

		require.Len(t, invoker.invocations(), 1)
		require.Len(t, st.outcomes, 1)
		assert.False(t, st.outcomes[0].OK)
		assert.True(t, errors.Is(st.errors[0].Err, context.Canceled))
		assert.Empty(t, st.text())
		assert.False(t, st.continuationNeeded)
		assert.Empty(t, sink.events)
	})
}

func TestDispatchUnparsableArgumentsKeyOnRawText(t *testing.T) {
	st := newTurnState(zerolog.Nop())
	invoker := &fakeInvoker{results: map[string]string{"web_search": "ok"}}
	d := newDispatcher(invoker, newTurnSink(nil, zerolog.Nop()), 0, zerolog.Nop())

	d.Dispatch(context.Background(), st, []Extraction{
		{Name: "web_search", Arguments: "query=go"},
		{Name: "web_search", Arguments: "query=rust"},
		{Name: "web_search", Arguments: "{}"},
	})

	assert.Len(t, invoker.invocations(), 3)
	assert.Zero(t, st.duplicates)
	assert.NotEqual(t, RawSignature("web_search", "query=go"), Signature("web_search", map[string]any{}))
}

func TestDispatchSpliceIsNotRescanned(t *testing.T) {
	// tool output that itself looks like a tool call must not be dispatched
	invoker := &fakeInvoker{results: map[string]string{
		"echo_text": `<tool_call>{"name": "echo_text", "arguments": {"n": 2}}</tool_call>`,
	}}
	st := newTurnState(zerolog.Nop())
	d := newDispatcher(invoker, newTurnSink(nil, zerolog.Nop()), 0, zerolog.Nop())

	st.appendModel(`<tool_call>{"name": "echo_text", "arguments": {"n": 1}}</tool_call>`)
	d.Dispatch(context.Background(), st, st.scanner.Scan(st.text()))
	assert.Empty(t, st.scanner.Scan(st.text()))
	assert.Len(t, invoker.invocations(), 1)
}

func TestWriterSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewWriterSink(&buf)

	require.NoError(t, sink.Push(context.Background(), TokenEvent("a", false)))
	require.NoError(t, sink.Push(context.Background(), Event{Type: EventTool, ToolName: "x", Result: "r"}))
	require.NoError(t, sink.Push(context.Background(), TokenEvent("b", false)))
	require.NoError(t, sink.Push(context.Background(), TokenEvent("", true)))

	assert.Equal(t, "ab", buf.String())
}
