package gateway

import (
	"context"

	"github.com/harun/sparrow/internal/tracing"
	"github.com/harun/sparrow/pkg/agent"
)

// Event names pushed to clients while a turn streams.
const (
	EventChatToken = "chat.token"
	EventChatTool  = "chat.tool"
)

// clientSink pushes turn events to one WebSocket client. A push to a client
// that went away fails; the runner logs and ignores that. An empty sessionID
// is taken from the turn context, as chat.send may create the session.
type clientSink struct {
	broadcaster *EventBroadcaster
	clientID    string
	sessionID   string
}

func (s *clientSink) Push(ctx context.Context, ev agent.Event) error {
	sessionID := s.sessionID
	if sessionID == "" {
		sessionID = tracing.GetSessionID(ctx)
	}
	msg := turnEventMessage(ev, sessionID)
	msg.TraceID = tracing.GetTraceID(ctx)
	msg.TurnID = tracing.GetTurnID(ctx)
	return s.broadcaster.SendToClient(s.clientID, msg)
}

// turnEventMessage maps a turn event onto the client event envelope.
func turnEventMessage(ev agent.Event, sessionID string) EventMessage {
	if ev.Type == agent.EventTool {
		return EventMessage{
			Event:     EventChatTool,
			Stream:    StreamTypeTool,
			Phase:     "result",
			SessionID: sessionID,
			Data:      ev,
		}
	}

	phase := "delta"
	if ev.Finished {
		phase = "done"
	}
	return EventMessage{
		Event:     EventChatToken,
		Stream:    StreamTypeAssistant,
		Phase:     phase,
		SessionID: sessionID,
		Data: map[string]interface{}{
			"token":    ev.Token,
			"finished": ev.Finished,
		},
	}
}

// forwardSubscription relays observed session events to a client until the
// subscription channel is closed.
func (s *Server) forwardSubscription(clientID, sessionID string, events <-chan agent.Event) {
	for ev := range events {
		if err := s.broadcaster.SendToClient(clientID, turnEventMessage(ev, sessionID)); err != nil {
			s.logger.Debug().Err(err).Str("clientId", clientID).Str("session_id", sessionID).Msg("Dropping subscription event")
		}
	}
}
