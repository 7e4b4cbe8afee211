package chat

import (
	"context"
	"strings"
	"sync"

	"github.com/harun/sparrow/pkg/agent"
)

const defaultSubscriberBuffer = 256

// eventHub fans turn events out to observers of a session. Slow observers
// lose events rather than stalling the turn.
type eventHub struct {
	mu          sync.RWMutex
	subscribers map[string]map[uint64]chan agent.Event
	nextID      uint64
}

func newEventHub() *eventHub {
	return &eventHub{subscribers: make(map[string]map[uint64]chan agent.Event)}
}

func (h *eventHub) Subscribe(sessionID string, buffer int) (<-chan agent.Event, func()) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		ch := make(chan agent.Event)
		close(ch)
		return ch, func() {}
	}
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan agent.Event, buffer)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	if _, ok := h.subscribers[sessionID]; !ok {
		h.subscribers[sessionID] = make(map[uint64]chan agent.Event)
	}
	h.subscribers[sessionID][id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			subs := h.subscribers[sessionID]
			delete(subs, id)
			if len(subs) == 0 {
				delete(h.subscribers, sessionID)
			}
			close(ch)
		})
	}
	return ch, cancel
}

func (h *eventHub) Publish(sessionID string, ev agent.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subscribers[sessionID] {
		select {
		case sub <- ev:
		default:
		}
	}
}

func (h *eventHub) count(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[sessionID])
}

// publishingSink forwards to the caller's sink and mirrors every event to
// the session's observers.
type publishingSink struct {
	next      agent.EventSink
	hub       *eventHub
	sessionID string
}

func (s publishingSink) Push(ctx context.Context, ev agent.Event) error {
	s.hub.Publish(s.sessionID, ev)
	if s.next == nil {
		return nil
	}
	return s.next.Push(ctx, ev)
}
