package chat

import (
	"context"
	"testing"

	"github.com/harun/sparrow/pkg/agent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventHub_PublishToSessionSubscribers(t *testing.T) {
	hub := newEventHub()

	a, cancelA := hub.Subscribe("session-a", 4)
	b, cancelB := hub.Subscribe("session-b", 4)
	defer cancelB()

	hub.Publish("session-a", agent.TokenEvent("hi", false))

	require.Len(t, a, 1)
	assert.Equal(t, "hi", (<-a).Token)
	assert.Len(t, b, 0)

	cancelA()
	cancelA()
	_, open := <-a
	assert.False(t, open)
	assert.Equal(t, 0, hub.count("session-a"))
}

func TestEventHub_DropsWhenSubscriberIsFull(t *testing.T) {
	hub := newEventHub()
	ch, cancel := hub.Subscribe("session-a", 1)
	defer cancel()

	hub.Publish("session-a", agent.TokenEvent("one", false))
	hub.Publish("session-a", agent.TokenEvent("two", false))

	require.Len(t, ch, 1)
	assert.Equal(t, "one", (<-ch).Token)
}

func TestEventHub_EmptySessionIsClosed(t *testing.T) {
	hub := newEventHub()
	ch, cancel := hub.Subscribe("  ", 1)
	defer cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestPublishingSink_MirrorsAndForwards(t *testing.T) {
	hub := newEventHub()
	ch, cancel := hub.Subscribe("session-a", 4)
	defer cancel()
	next := &collectingSink{}

	sink := publishingSink{next: next, hub: hub, sessionID: "session-a"}
	require.NoError(t, sink.Push(context.Background(), agent.TokenEvent("x", true)))

	assert.Len(t, next.snapshot(), 1)
	require.Len(t, ch, 1)
	assert.True(t, (<-ch).Finished)

	bare := publishingSink{hub: hub, sessionID: "session-a"}
	assert.NoError(t, bare.Push(context.Background(), agent.TokenEvent("y", false)))
}
