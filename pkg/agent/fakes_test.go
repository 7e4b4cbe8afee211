package agent

import (
	"context"
	"errors"
	"sync"
	"time"
)

// scriptedStream replays chunks, then optionally fails.
type scriptedStream struct {
	chunks []StreamChunk
	failAt error
	pos    int
	cur    StreamChunk
	closed bool
}

func (s *scriptedStream) Next() bool {
	if s.pos >= len(s.chunks) {
		return false
	}
	s.cur = s.chunks[s.pos]
	s.pos++
	return true
}

func (s *scriptedStream) Current() StreamChunk { return s.cur }

func (s *scriptedStream) Err() error {
	if s.pos >= len(s.chunks) {
		return s.failAt
	}
	return nil
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

func deltas(parts ...string) []StreamChunk {
	out := make([]StreamChunk, 0, len(parts)+1)
	for _, p := range parts {
		out = append(out, StreamChunk{Delta: p})
	}
	return append(out, StreamChunk{Finished: true, FinishReason: "stop"})
}

// scriptedBackend returns one scripted stream per Stream call.
type scriptedBackend struct {
	mu       sync.Mutex
	streams  []*scriptedStream
	openErrs []error
	requests []CompletionRequest
}

func (b *scriptedBackend) Provider() string { return "fake" }

func (b *scriptedBackend) Stream(_ context.Context, req CompletionRequest) (CompletionStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := len(b.requests)
	b.requests = append(b.requests, req)
	if i < len(b.openErrs) && b.openErrs[i] != nil {
		return nil, b.openErrs[i]
	}
	if i >= len(b.streams) {
		return nil, errors.New("no scripted stream")
	}
	return b.streams[i], nil
}

func (b *scriptedBackend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

type invocation struct {
	name string
	args map[string]any
}

// fakeInvoker answers from a table of results or errors.
type fakeInvoker struct {
	mu      sync.Mutex
	results map[string]string
	errs    map[string]error
	delay   time.Duration
	calls   []invocation
}

func (f *fakeInvoker) InvokeTool(ctx context.Context, name string, args map[string]any) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, invocation{name: name, args: args})
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err, ok := f.errs[name]; ok {
		return "", err
	}
	return f.results[name], nil
}

func (f *fakeInvoker) invocations() []invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]invocation(nil), f.calls...)
}

type staticCatalog []ToolSpec

func (c staticCatalog) Catalog(context.Context) ([]ToolSpec, error) { return c, nil }

type staticHistory []Message

func (h staticHistory) ConversationHistory(context.Context, string) ([]Message, error) { return h, nil }

type failingHistory struct{}

func (failingHistory) ConversationHistory(context.Context, string) ([]Message, error) {
	return nil, errors.New("db locked")
}

// recordingSink keeps every event and can be told to fail.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
	fail   bool
}

func (s *recordingSink) Push(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	if s.fail {
		return errors.New("receiver gone")
	}
	return nil
}

func (s *recordingSink) tokens() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out string
	for _, ev := range s.events {
		if ev.Type == EventToken {
			out += ev.Token
		}
	}
	return out
}

func (s *recordingSink) toolEvents() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.Type == EventTool {
			out = append(out, ev)
		}
	}
	return out
}
