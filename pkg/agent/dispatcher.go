package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/sparrow/internal/observability"
	"github.com/harun/sparrow/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Dispatcher executes extracted tool calls at most once per signature and
// splices their responses into the turn buffer.
type Dispatcher struct {
	invoker ToolInvoker
	sink    *turnSink
	timeout time.Duration
	logger  zerolog.Logger
}

func newDispatcher(invoker ToolInvoker, sink *turnSink, timeout time.Duration, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		invoker: invoker,
		sink:    sink,
		timeout: timeout,
		logger:  logger,
	}
}

// Signature is the deduplication key of a call: the name plus the arguments
// re-encoded with sorted keys.
func Signature(name string, args map[string]any) string {
	data, err := json.Marshal(args)
	if err != nil {
		return name + ":" + fmt.Sprint(args)
	}
	return name + ":" + string(data)
}

// RawSignature keys a call whose arguments text could not be parsed.
func RawSignature(name, text string) string {
	return name + ":raw:" + strings.TrimSpace(text)
}

// Dispatch handles every extraction in order.
func (d *Dispatcher) Dispatch(ctx context.Context, st *turnState, extractions []Extraction) {
	for _, ext := range extractions {
		if ctx.Err() != nil {
			return
		}
		d.dispatchOne(ctx, st, ext)
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, st *turnState, ext Extraction) {
	args, parseErr := parseArguments(ext.Arguments)
	if parseErr != nil {
		d.logger.Warn().Err(parseErr).Str("tool", ext.Name).Msg("Tool arguments unparsable, invoking with empty arguments")
		st.recordError(ToolArgumentParseError, ext.Name, parseErr)
	}

	sig := Signature(ext.Name, args)
	if parseErr != nil {
		// unparsable text keys on itself, not on the empty map it became
		sig = RawSignature(ext.Name, ext.Arguments)
	}
	if !st.markExecuted(sig) {
		d.logger.Debug().Str("tool", ext.Name).Str("signature", sig).Msg("Skipping duplicate tool call")
		st.duplicates++
		observability.RecordToolDuplicate(ext.Name)
		return
	}

	args = stripNulls(args)

	ctx, span := tracing.StartSpan(ctx, "sparrow.agent", "tool.invoke", attribute.String("tool", ext.Name))
	start := time.Now()
	result, err := d.invoke(ctx, ext.Name, args)
	duration := time.Since(start)
	observability.RecordToolDispatch(ext.Name, duration, err == nil)

	outcome := ToolOutcome{
		Invocation: ToolInvocation{Name: ext.Name, Arguments: args},
		OK:         err == nil,
		Text:       result,
		Duration:   duration,
	}

	if ctx.Err() != nil {
		// cancelled turn: nothing is spliced and no continuation follows
		span.End()
		outcome.Text = ctx.Err().Error()
		st.recordError(ToolExecutionError, ext.Name, ctx.Err())
		st.outcomes = append(st.outcomes, outcome)
		d.logger.Info().Str("tool", ext.Name).Msg("Tool call cancelled with its turn")
		return
	}

	var block string
	if err != nil {
		tracing.RecordError(span, err)
		outcome.Text = err.Error()
		st.recordError(ToolExecutionError, ext.Name, err)
		d.logger.Warn().Err(err).Str("tool", ext.Name).Dur("duration", duration).Msg("Tool call failed")
		block = "\n<tool_response>\nError: " + outcome.Text + "\n</tool_response>"
	} else {
		d.logger.Info().Str("tool", ext.Name).Dur("duration", duration).Msg("Tool call completed")
		block = "\n<tool_response>\n" + result + "\n</tool_response>"
	}
	span.End()

	st.splice(block)
	st.outcomes = append(st.outcomes, outcome)
	st.continuationNeeded = true

	d.sink.push(ctx, TokenEvent(block, false))
	d.sink.push(ctx, Event{
		Type:      EventTool,
		ToolName:  ext.Name,
		Arguments: args,
		Result:    outcome.Text,
		IsError:   !outcome.OK,
	})
}

func (d *Dispatcher) invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	if d.invoker == nil {
		return "", errors.New("no tool invoker configured")
	}
	if d.timeout <= 0 {
		return d.invoker.InvokeTool(ctx, name, args)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	type reply struct {
		text string
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		text, err := d.invoker.InvokeTool(callCtx, name, args)
		done <- reply{text, err}
	}()

	timedOut := func() bool {
		return ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded)
	}

	select {
	case r := <-done:
		if r.err != nil && timedOut() {
			return "", fmt.Errorf("tool invocation timed out after %s", d.timeout)
		}
		return r.text, r.err
	case <-callCtx.Done():
		if timedOut() {
			return "", fmt.Errorf("tool invocation timed out after %s", d.timeout)
		}
		return "", ctx.Err()
	}
}

func parseArguments(text string) (map[string]any, error) {
	args := map[string]any{}
	if strings.TrimSpace(text) == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(text), &args); err != nil {
		return map[string]any{}, fmt.Errorf("invalid arguments JSON: %w", err)
	}
	if args == nil {
		// literal null
		args = map[string]any{}
	}
	return args, nil
}

func stripNulls(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		if v != nil {
			out[k] = v
		}
	}
	return out
}
