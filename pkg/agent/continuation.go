package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/sparrow/internal/observability"
	"github.com/harun/sparrow/internal/tracing"
	"github.com/rs/zerolog"
)

// continuation issues the single follow-up completion that turns the
// tool-augmented buffer into a final answer. Its output is not scanned.
type continuation struct {
	backend CompletionStreamProvider
	sink    *turnSink
	logger  zerolog.Logger
}

// run streams the continuation and returns the text to append to the final
// result, including a failure annotation if the stream broke. A cancelled
// turn gets the text streamed so far and the context error, unannotated.
func (c *continuation) run(ctx context.Context, req CompletionRequest) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "sparrow.agent", "agent.continuation")
	defer span.End()

	var out strings.Builder

	stream, err := c.backend.Stream(ctx, req)
	if err != nil && ctx.Err() != nil {
		return "", ctx.Err()
	}
	if err != nil {
		tracing.RecordError(span, err)
		return c.fail(ctx, &out, err), err
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			c.logger.Debug().Err(cerr).Msg("Failed to close continuation stream")
		}
	}()

	for stream.Next() {
		if ctx.Err() != nil {
			break
		}
		chunk := stream.Current()
		if chunk.Delta != "" {
			observability.RecordStreamChunk("continuation")
			out.WriteString(chunk.Delta)
			c.sink.token(ctx, chunk.Delta)
		}
		if chunk.Finished {
			break
		}
	}

	if err := ctx.Err(); err != nil {
		return out.String(), err
	}
	if err := stream.Err(); err != nil {
		tracing.RecordError(span, err)
		return c.fail(ctx, &out, err), err
	}
	return out.String(), nil
}

func (c *continuation) fail(ctx context.Context, out *strings.Builder, err error) string {
	c.logger.Error().Err(err).Msg("Continuation failed")
	note := fmt.Sprintf("\n[Continuation failed: %v]", err)
	out.WriteString(note)
	c.sink.token(ctx, note)
	return out.String()
}
