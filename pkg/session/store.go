package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/sparrow/internal/observability"
	"github.com/harun/sparrow/internal/tracing"
	"github.com/harun/sparrow/pkg/agent"
	gonanoid "github.com/matoous/go-nanoid/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "sparrow.session"

var (
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("chat session not found")
	// ErrInvalidRole is returned when a message role is not user, assistant or system.
	ErrInvalidRole = errors.New("invalid message role")
)

// Message is one persisted chat message.
type Message struct {
	ID              string    `json:"id"`
	Role            string    `json:"role"`
	Content         string    `json:"content"`
	Timestamp       time.Time `json:"timestamp"`
	TokensPerSecond *float64  `json:"tokens_per_second,omitempty"`
	IsError         bool      `json:"is_error,omitempty"`
}

// MessageMeta carries optional per-message metadata.
type MessageMeta struct {
	TokensPerSecond *float64
	IsError         bool
}

// Session is a chat session with its messages.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ModelID   string    `json:"model_id,omitempty"`
	Temporary bool      `json:"temporary,omitempty"`
	Messages  []Message `json:"messages,omitempty"`
}

// Config configures a Store.
type Config struct {
	DBPath string
	Logger *zerolog.Logger
}

// Store persists sessions in SQLite and keeps temporary sessions in memory.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger

	// writes serializes multi-statement updates; SQLite allows one writer.
	writes sync.Mutex

	tempMu    sync.RWMutex
	temporary map[string]*Session
}

// New opens (creating if needed) the session database.
func New(cfg Config) (*Store, error) {
	observability.EnsureRegistered()

	if cfg.DBPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DBPath = filepath.Join(homeDir, ".sparrow", "chat_sessions.db")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("component", "session").Logger()

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:        db,
		logger:    logger,
		temporary: make(map[string]*Session),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.updateActiveSessionsMetric(context.Background())
	logger.Info().Str("db_path", cfg.DBPath).Msg("Session store initialized")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		model_id TEXT
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		tokens_per_second REAL,
		is_error INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create persists a new session and makes it the active one.
// An empty title falls back to DefaultTitle.
func (s *Store) Create(ctx context.Context, title string) (*Session, error) {
	sess := newSession(title)
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.create", attribute.String("session_id", sess.ID))
	defer span.End()

	s.writes.Lock()
	defer s.writes.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertSession(ctx, tx, sess); err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	if err := setActive(ctx, tx, sess.ID); err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("failed to commit session: %w", err)
	}

	s.updateActiveSessionsMetric(ctx)
	s.logger.Info().Str("session_id", sess.ID).Str("title", sess.Title).Msg("Session created")
	return sess, nil
}

// CreateTemporary creates a session that is held in memory until Persist.
func (s *Store) CreateTemporary(title string) *Session {
	sess := newSession(title)
	sess.Temporary = true

	s.tempMu.Lock()
	s.temporary[sess.ID] = sess
	s.tempMu.Unlock()

	s.logger.Debug().Str("session_id", sess.ID).Msg("Temporary session created")
	return sess.clone()
}

// Persist writes a temporary session and its messages to the database and
// makes it the active session. Persisting an already stored session is a no-op.
func (s *Store) Persist(ctx context.Context, id string) (*Session, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.persist", attribute.String("session_id", id))
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordSessionSave(time.Since(start)) }()

	s.writes.Lock()
	defer s.writes.Unlock()

	sess, ok := s.temporarySession(id)
	if !ok {
		stored, err := s.Get(ctx, id)
		if err != nil {
			tracing.RecordError(span, err)
		}
		return stored, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	sess.Temporary = false
	if err := insertSession(ctx, tx, sess); err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	for _, msg := range sess.Messages {
		if err := insertMessage(ctx, tx, sess.ID, msg); err != nil {
			tracing.RecordError(span, err)
			return nil, err
		}
	}
	if err := setActive(ctx, tx, sess.ID); err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("failed to commit session: %w", err)
	}

	s.tempMu.Lock()
	delete(s.temporary, id)
	s.tempMu.Unlock()

	s.updateActiveSessionsMetric(ctx)
	s.logger.Info().
		Str("session_id", sess.ID).
		Int("messages", len(sess.Messages)).
		Msg("Temporary session persisted")
	return sess, nil
}

// Get returns a session with its messages.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	if sess, ok := s.temporarySession(id); ok {
		return sess, nil
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "session.load", attribute.String("session_id", id))
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordSessionLoad(time.Since(start)) }()

	sess, err := s.loadSession(ctx, id)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	msgs, err := s.loadMessages(ctx, id)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	sess.Messages = msgs
	return sess, nil
}

// List returns persisted sessions without messages, most recently updated first.
func (s *Store) List(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at, updated_at, model_id FROM sessions ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// ListTemporary returns the in-memory sessions ordered by creation time.
func (s *Store) ListTemporary() []Session {
	s.tempMu.RLock()
	defer s.tempMu.RUnlock()

	out := make([]Session, 0, len(s.temporary))
	for _, sess := range s.temporary {
		out = append(out, *sess.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// UpdateTitle renames a session.
func (s *Store) UpdateTitle(ctx context.Context, id, title string) error {
	return s.update(ctx, id, "title", title, func(sess *Session) { sess.Title = title })
}

// UpdateModel records the model a session was last used with.
func (s *Store) UpdateModel(ctx context.Context, id, modelID string) error {
	return s.update(ctx, id, "model_id", modelID, func(sess *Session) { sess.ModelID = modelID })
}

func (s *Store) update(ctx context.Context, id, column, value string, apply func(*Session)) error {
	now := time.Now()
	if s.updateTemporary(id, func(sess *Session) {
		apply(sess)
		sess.UpdatedAt = now
	}) {
		return nil
	}

	s.writes.Lock()
	defer s.writes.Unlock()

	// column is one of a fixed set chosen by the exported callers.
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE sessions SET %s = ?, updated_at = ? WHERE id = ?`, column),
		value, now.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

// Delete removes a session and its messages. Deleting the active session
// clears the active selection.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.tempMu.Lock()
	if _, ok := s.temporary[id]; ok {
		delete(s.temporary, id)
		s.tempMu.Unlock()
		s.logger.Debug().Str("session_id", id).Msg("Temporary session discarded")
		return nil
	}
	s.tempMu.Unlock()

	ctx, span := tracing.StartSpan(ctx, tracerName, "session.delete", attribute.String("session_id", id))
	defer span.End()

	s.writes.Lock()
	defer s.writes.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err := fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		tracing.RecordError(span, err)
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM settings WHERE key = 'active_session_id' AND value = ?`, id); err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("failed to clear active session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("failed to commit delete: %w", err)
	}

	s.updateActiveSessionsMetric(ctx)
	s.logger.Info().Str("session_id", id).Msg("Session deleted")
	return nil
}

// SetActive marks a persisted session as the active one.
func (s *Store) SetActive(ctx context.Context, id string) error {
	if _, err := s.loadSession(ctx, id); err != nil {
		return err
	}

	s.writes.Lock()
	defer s.writes.Unlock()
	return setActive(ctx, s.db, id)
}

// Active returns the active session id, if any.
func (s *Store) Active(ctx context.Context) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = 'active_session_id'`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read active session: %w", err)
	}
	return id, true, nil
}

// AddMessage appends a message to a session. The first user message of a
// session still titled DefaultTitle becomes its title.
func (s *Store) AddMessage(ctx context.Context, sessionID, role, content string, meta MessageMeta) (Message, error) {
	if !validRole(role) {
		return Message{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	msg := Message{
		Role:            role,
		Content:         content,
		Timestamp:       time.Now(),
		TokensPerSecond: meta.TokensPerSecond,
		IsError:         meta.IsError,
	}
	id, err := gonanoid.New()
	if err != nil {
		return Message{}, fmt.Errorf("failed to generate message id: %w", err)
	}
	msg.ID = id

	if s.updateTemporary(sessionID, func(sess *Session) {
		sess.Messages = append(sess.Messages, msg)
		sess.UpdatedAt = msg.Timestamp
		if sess.Title == DefaultTitle && role == string(agent.RoleUser) {
			sess.Title = GenerateTitle(content)
		}
	}) {
		return msg, nil
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "session.append_message",
		attribute.String("session_id", sessionID),
		attribute.String("role", role),
	)
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordSessionSave(time.Since(start)) }()

	s.writes.Lock()
	defer s.writes.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		tracing.RecordError(span, err)
		return Message{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var title string
	err = tx.QueryRowContext(ctx, `SELECT title FROM sessions WHERE id = ?`, sessionID).Scan(&title)
	if errors.Is(err, sql.ErrNoRows) {
		err = fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		tracing.RecordError(span, err)
		return Message{}, err
	}
	if err != nil {
		tracing.RecordError(span, err)
		return Message{}, fmt.Errorf("failed to load session: %w", err)
	}

	if err := insertMessage(ctx, tx, sessionID, msg); err != nil {
		tracing.RecordError(span, err)
		return Message{}, err
	}

	if title == DefaultTitle && role == string(agent.RoleUser) {
		title = GenerateTitle(content)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?`,
		title, msg.Timestamp.UnixMilli(), sessionID); err != nil {
		tracing.RecordError(span, err)
		return Message{}, fmt.Errorf("failed to touch session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		tracing.RecordError(span, err)
		return Message{}, fmt.Errorf("failed to commit message: %w", err)
	}

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().Str("session_id", sessionID).Str("role", role).Msg("Message appended")
	return msg, nil
}

// Messages returns every message of a session in insertion order.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sess.Messages, nil
}

// ConversationHistory returns the user and assistant messages of a session.
func (s *Store) ConversationHistory(ctx context.Context, sessionID string) ([]agent.Message, error) {
	msgs, err := s.Messages(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	history := make([]agent.Message, 0, len(msgs))
	for _, m := range msgs {
		role := agent.Role(m.Role)
		if role != agent.RoleUser && role != agent.RoleAssistant {
			continue
		}
		history = append(history, agent.Message{Role: role, Content: m.Content})
	}
	return history, nil
}

func (s *Store) temporarySession(id string) (*Session, bool) {
	s.tempMu.RLock()
	defer s.tempMu.RUnlock()
	sess, ok := s.temporary[id]
	if !ok {
		return nil, false
	}
	return sess.clone(), true
}

func (s *Store) updateTemporary(id string, fn func(*Session)) bool {
	s.tempMu.Lock()
	defer s.tempMu.Unlock()
	sess, ok := s.temporary[id]
	if ok {
		fn(sess)
	}
	return ok
}

func (s *Store) loadSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at, model_id FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, err
}

func (s *Store) loadMessages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, timestamp, tokens_per_second, is_error
		FROM messages WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var (
			m   Message
			ts  int64
			tps sql.NullFloat64
		)
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &ts, &tps, &m.IsError); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Timestamp = time.UnixMilli(ts)
		if tps.Valid {
			v := tps.Float64
			m.TokensPerSecond = &v
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *Store) updateActiveSessionsMetric(ctx context.Context) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return
	}
	observability.SetActiveSessions(n)
}

type rowScanner interface {
	Scan(dest ...any) error
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess             Session
		created, updated int64
		model            sql.NullString
	)
	if err := row.Scan(&sess.ID, &sess.Title, &created, &updated, &model); err != nil {
		return nil, err
	}
	sess.CreatedAt = time.UnixMilli(created)
	sess.UpdatedAt = time.UnixMilli(updated)
	sess.ModelID = model.String
	return &sess, nil
}

func insertSession(ctx context.Context, db execer, sess *Session) error {
	var model any
	if sess.ModelID != "" {
		model = sess.ModelID
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO sessions (id, title, created_at, updated_at, model_id) VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.Title, sess.CreatedAt.UnixMilli(), sess.UpdatedAt.UnixMilli(), model)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func insertMessage(ctx context.Context, db execer, sessionID string, m Message) error {
	var tps any
	if m.TokensPerSecond != nil {
		tps = *m.TokensPerSecond
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, timestamp, tokens_per_second, is_error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, sessionID, m.Role, m.Content, m.Timestamp.UnixMilli(), tps, m.IsError)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func setActive(ctx context.Context, db execer, id string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES ('active_session_id', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, id)
	if err != nil {
		return fmt.Errorf("failed to set active session: %w", err)
	}
	return nil
}

func newSession(title string) *Session {
	if title == "" {
		title = DefaultTitle
	}
	now := time.Now()
	return &Session{
		ID:        uuid.New().String(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (sess *Session) clone() *Session {
	cp := *sess
	cp.Messages = append([]Message(nil), sess.Messages...)
	return &cp
}

func validRole(role string) bool {
	switch agent.Role(role) {
	case agent.RoleUser, agent.RoleAssistant, agent.RoleSystem:
		return true
	}
	return false
}
