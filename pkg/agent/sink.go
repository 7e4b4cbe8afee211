package agent

import (
	"context"
	"io"
	"sync"

	"github.com/harun/sparrow/internal/observability"
	"github.com/rs/zerolog"
)

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ctx context.Context, ev Event) error

// Push calls f.
func (f SinkFunc) Push(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// DiscardSink drops every event.
var DiscardSink EventSink = SinkFunc(func(context.Context, Event) error { return nil })

// WriterSink writes token text to w as it arrives. Tool events are ignored
// since their response blocks already arrive as tokens.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink creates a sink printing tokens to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Push writes token events.
func (s *WriterSink) Push(_ context.Context, ev Event) error {
	if ev.Type != EventToken || ev.Token == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.w, ev.Token)
	return err
}

// turnSink forwards to the caller's sink. Push failures are logged and dropped.
type turnSink struct {
	sink   EventSink
	logger zerolog.Logger
}

func newTurnSink(sink EventSink, logger zerolog.Logger) *turnSink {
	if sink == nil {
		sink = DiscardSink
	}
	return &turnSink{sink: sink, logger: logger}
}

func (s *turnSink) push(ctx context.Context, ev Event) {
	if err := s.sink.Push(ctx, ev); err != nil {
		observability.RecordSinkFailure()
		s.logger.Warn().Err(err).Str("event", string(ev.Type)).Msg("Failed to push event to sink")
	}
}

func (s *turnSink) token(ctx context.Context, token string) {
	s.push(ctx, TokenEvent(token, false))
}
