package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/harun/sparrow/internal/tracing"
	"github.com/harun/sparrow/pkg/agent"
)

// sseSink writes turn events as server-sent events.
type sseSink struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

func (s *sseSink) Push(_ context.Context, ev agent.Event) error {
	name := "token"
	if ev.Type == agent.EventTool {
		name = "tool"
	}
	return s.write(name, ev)
}

func (s *sseSink) write(event string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// handleChatStream runs one chat turn over HTTP and streams its events as
// server-sent events: connected, token*, tool*, then complete or error.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authHandler.VerifySecret(r.Header.Get(secretHeader)) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var params chatSendParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if params.RequestID == "" {
		params.RequestID = r.Header.Get("Idempotency-Key")
	}

	ctx := requestContext(r)
	logger := tracing.LoggerFromContext(ctx, s.logger)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sink := &sseSink{w: w, flusher: flusher}
	_ = sink.write("connected", map[string]string{"trace_id": tracing.GetTraceID(ctx)})

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	resp, err := s.chat.Send(ctx, params.request(sink))
	if err != nil {
		logger.Warn().Err(err).Msg("Streamed chat turn failed")
		data := map[string]interface{}{"error": err.Error()}
		if resp != nil {
			data["session_id"] = resp.SessionID
		}
		_ = sink.write("error", data)
		return
	}
	s.notifySessionUpdated(resp)
	_ = sink.write("complete", resp)
}

// requestContext starts a traced request context, honouring X-Trace-Id.
func requestContext(r *http.Request) context.Context {
	if traceID := r.Header.Get("X-Trace-Id"); traceID != "" {
		return tracing.WithTraceID(r.Context(), traceID)
	}
	return tracing.NewRequestContext(r.Context())
}
