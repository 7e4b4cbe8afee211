package agent

import (
	"context"

	"github.com/harun/sparrow/internal/observability"
	"github.com/rs/zerolog"
)

// consumer drives the primary stream of a turn.
type consumer struct {
	state      *turnState
	dispatcher *Dispatcher
	sink       *turnSink
	logger     zerolog.Logger
}

// run reads stream until a finished chunk or end of stream. Each delta is
// forwarded before scanning, and any tool calls it completes are resolved
// before the next chunk is read. The returned error is the stream's
// transport error, if any, or the context error once the turn is cancelled.
func (c *consumer) run(ctx context.Context, stream CompletionStream) error {
	defer func() {
		if err := stream.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Failed to close stream")
		}
	}()

	for stream.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk := stream.Current()

		if chunk.Delta != "" {
			observability.RecordStreamChunk("primary")
			c.state.appendModel(chunk.Delta)
			c.sink.token(ctx, chunk.Delta)

			if calls := c.state.scanner.Scan(c.state.text()); len(calls) > 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
				c.dispatcher.Dispatch(ctx, c.state, calls)
			}
		}

		if chunk.Finished {
			c.logger.Debug().Str("finish_reason", chunk.FinishReason).Msg("Stream finished")
			return nil
		}
	}

	return stream.Err()
}
