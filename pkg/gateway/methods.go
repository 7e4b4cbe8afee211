package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/sparrow/pkg/agent"
	"github.com/harun/sparrow/pkg/chat"
	"github.com/harun/sparrow/pkg/session"
	"github.com/harun/sparrow/pkg/toolexecutor"
)

// registerBuiltinMethods registers all built-in RPC methods
func (s *Server) registerBuiltinMethods() {
	_ = s.RegisterMethod("chat.send", s.handleChatSend)
	_ = s.RegisterMethod("chat.abort", s.handleChatAbort)
	_ = s.RegisterMethod("chat.subscribe", s.handleChatSubscribe)
	_ = s.RegisterMethod("chat.unsubscribe", s.handleChatUnsubscribe)

	_ = s.RegisterMethod("sessions.list", s.handleSessionsList)
	_ = s.RegisterMethod("sessions.get", s.handleSessionsGet)
	_ = s.RegisterMethod("sessions.create", s.handleSessionsCreate)
	_ = s.RegisterMethod("sessions.persist", s.handleSessionsPersist)
	_ = s.RegisterMethod("sessions.rename", s.handleSessionsRename)
	_ = s.RegisterMethod("sessions.delete", s.handleSessionsDelete)
	_ = s.RegisterMethod("sessions.set_active", s.handleSessionsSetActive)
	_ = s.RegisterMethod("sessions.active", s.handleSessionsActive)

	if s.tools != nil {
		_ = s.RegisterMethod("mcp.servers", s.handleMCPServers)
		_ = s.RegisterMethod("mcp.add", s.handleMCPAdd)
		_ = s.RegisterMethod("mcp.edit", s.handleMCPEdit)
		_ = s.RegisterMethod("mcp.remove", s.handleMCPRemove)
		_ = s.RegisterMethod("mcp.connect", s.handleMCPConnect)
		_ = s.RegisterMethod("mcp.disconnect", s.handleMCPDisconnect)
		_ = s.RegisterMethod("mcp.tools", s.handleMCPTools)
		_ = s.RegisterMethod("mcp.catalog", s.handleMCPCatalog)
	}

	if s.models != nil {
		_ = s.RegisterMethod("models.active", s.handleModelsActive)
		_ = s.RegisterMethod("models.load", s.handleModelsLoad)
		_ = s.RegisterMethod("models.unload", s.handleModelsUnload)
	}

	_ = s.RegisterMethod("gateway.status", s.handleGatewayStatus)
}

// chatSendParams is the body of chat.send and of POST /chat/stream.
type chatSendParams struct {
	SessionID      string                `json:"session_id"`
	Message        string                `json:"message"`
	IncludeHistory *bool                 `json:"include_history,omitempty"`
	SystemPrompt   string                `json:"system_prompt,omitempty"`
	Sampling       *agent.SamplingParams `json:"sampling,omitempty"`
	// Stream disables per-token events when false; defaults to true.
	Stream    *bool  `json:"stream,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func (p chatSendParams) request(sink agent.EventSink) chat.Request {
	return chat.Request{
		SessionID:      p.SessionID,
		Message:        p.Message,
		IncludeHistory: p.IncludeHistory,
		SystemPrompt:   p.SystemPrompt,
		Sampling:       p.Sampling,
		RequestID:      p.RequestID,
		Sink:           sink,
	}
}

type sessionParams struct {
	SessionID string `json:"session_id"`
	Title     string `json:"title"`
	Temporary bool   `json:"temporary"`
}

type serverParams struct {
	Name   string                    `json:"name"`
	Config toolexecutor.ServerConfig `json:"config"`
}

type modelParams struct {
	ModelID string `json:"model_id"`
}

// decodeParams maps the generic params object onto a typed struct.
func decodeParams(params map[string]interface{}, v interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return invalidParams("invalid params: %v", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return invalidParams("invalid params: %v", err)
	}
	return nil
}

func requireField(value, name string) error {
	if strings.TrimSpace(value) == "" {
		return invalidParams("%s is required", name)
	}
	return nil
}

// handleChatSend handles chat.send: runs one turn and, for WebSocket
// callers, streams chat.token and chat.tool events while it runs.
func (s *Server) handleChatSend(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p chatSendParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireField(p.Message, "message"); err != nil {
		return nil, err
	}
	if p.RequestID == "" {
		p.RequestID = idempotencyKeyFromContext(ctx)
	}

	var sink agent.EventSink
	clientID := clientIDFromContext(ctx)
	if clientID != "" && (p.Stream == nil || *p.Stream) {
		sink = &clientSink{broadcaster: s.broadcaster, clientID: clientID}
	}

	resp, err := s.chat.Send(ctx, p.request(sink))
	if err != nil {
		if errors.Is(err, chat.ErrEmptyMessage) || errors.Is(err, session.ErrSessionNotFound) {
			return nil, invalidParams("%v", err)
		}
		rpcErr := &RPCError{Code: InternalError, Message: err.Error()}
		if resp != nil {
			rpcErr.Data = resp
			s.notifySessionUpdated(resp)
		}
		return nil, rpcErr
	}

	s.notifySessionUpdated(resp)
	return resp, nil
}

func (s *Server) handleChatAbort(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p sessionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireField(p.SessionID, "session_id"); err != nil {
		return nil, err
	}

	running := s.chat.IsRunning(p.SessionID)
	dropped := s.chat.Abort(p.SessionID)
	return map[string]interface{}{
		"session_id": p.SessionID,
		"aborted":    running,
		"dropped":    dropped,
	}, nil
}

// handleChatSubscribe streams every turn of a session to the calling client,
// including turns started by other clients.
func (s *Server) handleChatSubscribe(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p sessionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireField(p.SessionID, "session_id"); err != nil {
		return nil, err
	}
	client, ok := s.clients.Get(clientIDFromContext(ctx))
	if !ok {
		return nil, fmt.Errorf("subscriptions require a WebSocket connection")
	}
	if _, err := s.chat.Store().Get(ctx, p.SessionID); err != nil {
		return nil, invalidParams("%v", err)
	}

	events, cancel := s.chat.Subscribe(p.SessionID, 0)
	client.subscribe(p.SessionID, cancel)
	go s.forwardSubscription(client.ID, p.SessionID, events)

	return map[string]interface{}{"session_id": p.SessionID, "subscribed": true}, nil
}

func (s *Server) handleChatUnsubscribe(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p sessionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	client, ok := s.clients.Get(clientIDFromContext(ctx))
	if !ok {
		return nil, fmt.Errorf("subscriptions require a WebSocket connection")
	}
	return map[string]interface{}{
		"session_id":   p.SessionID,
		"unsubscribed": client.unsubscribe(p.SessionID),
	}, nil
}

func (s *Server) handleSessionsList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	store := s.chat.Store()
	sessions, err := store.List(ctx)
	if err != nil {
		return nil, err
	}
	if sessions == nil {
		sessions = []session.Session{}
	}
	activeID, _, err := store.Active(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"sessions":  sessions,
		"temporary": store.ListTemporary(),
		"active_id": activeID,
	}, nil
}

func (s *Server) handleSessionsGet(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p sessionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireField(p.SessionID, "session_id"); err != nil {
		return nil, err
	}
	sess, err := s.chat.Store().Get(ctx, p.SessionID)
	if err != nil {
		return nil, sessionError(err)
	}
	return sess, nil
}

func (s *Server) handleSessionsCreate(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p sessionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	store := s.chat.Store()
	if p.Temporary {
		return store.CreateTemporary(p.Title), nil
	}
	sess, err := store.Create(ctx, p.Title)
	if err != nil {
		return nil, err
	}
	s.broadcaster.Broadcast("session.created", sess)
	return sess, nil
}

func (s *Server) handleSessionsPersist(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p sessionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireField(p.SessionID, "session_id"); err != nil {
		return nil, err
	}
	sess, err := s.chat.Store().Persist(ctx, p.SessionID)
	if err != nil {
		return nil, sessionError(err)
	}
	s.broadcaster.Broadcast("session.created", sess)
	return sess, nil
}

func (s *Server) handleSessionsRename(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p sessionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireField(p.SessionID, "session_id"); err != nil {
		return nil, err
	}
	if err := requireField(p.Title, "title"); err != nil {
		return nil, err
	}
	if err := s.chat.Store().UpdateTitle(ctx, p.SessionID, p.Title); err != nil {
		return nil, sessionError(err)
	}
	s.broadcaster.Broadcast("session.updated", map[string]interface{}{
		"session_id": p.SessionID,
		"title":      p.Title,
	})
	return map[string]interface{}{"success": true}, nil
}

func (s *Server) handleSessionsDelete(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p sessionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireField(p.SessionID, "session_id"); err != nil {
		return nil, err
	}

	s.chat.Abort(p.SessionID)
	if err := s.chat.Store().Delete(ctx, p.SessionID); err != nil {
		return nil, sessionError(err)
	}
	s.broadcaster.Broadcast("session.deleted", map[string]interface{}{"session_id": p.SessionID})
	return map[string]interface{}{"success": true}, nil
}

func (s *Server) handleSessionsSetActive(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p sessionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireField(p.SessionID, "session_id"); err != nil {
		return nil, err
	}
	if err := s.chat.Store().SetActive(ctx, p.SessionID); err != nil {
		return nil, sessionError(err)
	}
	return map[string]interface{}{"success": true}, nil
}

func (s *Server) handleSessionsActive(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, ok, err := s.chat.Store().Active(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"session_id": id, "active": ok}, nil
}

func (s *Server) handleMCPServers(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"servers": s.tools.Servers()}, nil
}

func (s *Server) handleMCPAdd(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p serverParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := s.tools.AddServer(p.Name, p.Config); err != nil {
		return nil, invalidParams("%v", err)
	}
	return s.serversChanged()
}

func (s *Server) handleMCPEdit(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p serverParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := s.tools.EditServer(p.Name, p.Config); err != nil {
		return nil, err
	}
	return s.serversChanged()
}

func (s *Server) handleMCPRemove(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p serverParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := s.tools.RemoveServer(p.Name); err != nil {
		return nil, err
	}
	return s.serversChanged()
}

func (s *Server) handleMCPConnect(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p serverParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireField(p.Name, "name"); err != nil {
		return nil, err
	}
	if err := s.tools.Connect(ctx, p.Name); err != nil {
		return nil, err
	}
	return s.serversChanged()
}

func (s *Server) handleMCPDisconnect(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p serverParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireField(p.Name, "name"); err != nil {
		return nil, err
	}
	if err := s.tools.Disconnect(p.Name); err != nil {
		return nil, err
	}
	return s.serversChanged()
}

func (s *Server) handleMCPTools(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p serverParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireField(p.Name, "name"); err != nil {
		return nil, err
	}
	tools, err := s.tools.FetchTools(ctx, p.Name)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"name": p.Name, "tools": tools}, nil
}

func (s *Server) handleMCPCatalog(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	specs, err := s.tools.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	if specs == nil {
		specs = []agent.ToolSpec{}
	}
	return map[string]interface{}{"tools": specs}, nil
}

func (s *Server) serversChanged() (interface{}, error) {
	servers := s.tools.Servers()
	s.broadcaster.Broadcast("mcp.updated", map[string]interface{}{"servers": servers})
	return map[string]interface{}{"servers": servers}, nil
}

func (s *Server) handleModelsActive(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, loaded := s.models.ActiveModel()
	return map[string]interface{}{"model_id": id, "loaded": loaded}, nil
}

func (s *Server) handleModelsLoad(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p modelParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireField(p.ModelID, "model_id"); err != nil {
		return nil, err
	}
	s.models.Load(p.ModelID)
	s.broadcaster.Broadcast("model.loaded", map[string]interface{}{"model_id": p.ModelID})
	return map[string]interface{}{"model_id": p.ModelID, "loaded": true}, nil
}

func (s *Server) handleModelsUnload(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	s.models.Unload()
	s.broadcaster.Broadcast("model.unloaded", map[string]interface{}{})
	return map[string]interface{}{"loaded": false}, nil
}

func (s *Server) handleGatewayStatus(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"clients": s.clients.GetConnectedClients(),
		"methods": s.router.GetMethods(),
	}, nil
}

// notifySessionUpdated tells every client that a session got new messages.
func (s *Server) notifySessionUpdated(resp *chat.Response) {
	if resp == nil || resp.SessionID == "" {
		return
	}
	s.broadcaster.Broadcast("session.updated", map[string]interface{}{
		"session_id": resp.SessionID,
		"title":      resp.Title,
	})
}

func sessionError(err error) error {
	if errors.Is(err, session.ErrSessionNotFound) {
		return invalidParams("%v", err)
	}
	return err
}
