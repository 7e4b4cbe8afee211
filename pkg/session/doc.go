// Package session persists chat sessions and their messages in SQLite.
//
// A session is created either persisted or temporary. Temporary sessions
// live in memory until Persist writes them, together with their messages,
// to the database. The first user message of a session still titled
// "New Chat" renames the session.
//
// Store implements agent.HistoryProvider: ConversationHistory returns the
// user and assistant messages of a session in insertion order.
//
// Usage:
//
//	store, _ := session.New(session.Config{DBPath: "/tmp/sparrow/chat_sessions.db"})
//	defer store.Close()
//	s, _ := store.Create(ctx, "")
//	_, _ = store.AddMessage(ctx, s.ID, "user", "hello", session.MessageMeta{})
package session
