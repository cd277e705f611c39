package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/memoir-cowriter/internal/domain"
	"github.com/ashureev/memoir-cowriter/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	sessionMu sync.Mutex // serializes session writes to avoid SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS memoir_sessions (
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		id TEXT NOT NULL,
		step INTEGER NOT NULL DEFAULT 0,
		phase TEXT NOT NULL,
		current_question TEXT,
		raw_answers_json TEXT NOT NULL,
		rewritten_json TEXT NOT NULL,
		final_document TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, session_id)
	);
	CREATE INDEX IF NOT EXISTS idx_memoir_sessions_updated ON memoir_sessions(updated_at);

	CREATE TABLE IF NOT EXISTS agent_sessions (
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		messages_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, session_id)
	);
	CREATE INDEX IF NOT EXISTS idx_agent_sessions_updated ON agent_sessions(updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	var user domain.User
	var lastSeen, createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		user.UserID, user.Username, user.LastSeenAt.Unix(),
		user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}
	return nil
}

// GetMemoirSession retrieves the interview of a tab.
func (s *SQLiteStore) GetMemoirSession(ctx context.Context, userID, sessionID string) (*domain.MemoirSession, error) {
	query := `
		SELECT id, user_id, session_id, step, phase, current_question,
		       raw_answers_json, rewritten_json, final_document, created_at, updated_at
		FROM memoir_sessions WHERE user_id = ? AND session_id = ?`

	var m domain.MemoirSession
	var question, document sql.NullString
	var rawJSON, rewrittenJSON string
	var createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, query, userID, sessionID).Scan(
		&m.ID, &m.UserID, &m.SessionID, &m.Step, &m.Phase, &question,
		&rawJSON, &rewrittenJSON, &document, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan memoir session: %w", err)
	}

	if err := json.Unmarshal([]byte(rawJSON), &m.RawAnswers); err != nil {
		return nil, fmt.Errorf("decode raw answers: %w", err)
	}
	if err := json.Unmarshal([]byte(rewrittenJSON), &m.Rewritten); err != nil {
		return nil, fmt.Errorf("decode rewritten paragraphs: %w", err)
	}
	if question.Valid {
		m.CurrentQuestion = &question.String
	}
	if document.Valid {
		m.FinalDocument = &document.String
	}
	m.CreatedAt = time.Unix(createdAt, 0)
	m.UpdatedAt = time.Unix(updatedAt, 0)
	return &m, nil
}

// UpsertMemoirSession creates or replaces the interview of a tab. A stored
// final document is never overwritten.
func (s *SQLiteStore) UpsertMemoirSession(ctx context.Context, m *domain.MemoirSession) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	rawJSON, err := json.Marshal(nonNil(m.RawAnswers))
	if err != nil {
		return fmt.Errorf("encode raw answers: %w", err)
	}
	rewrittenJSON, err := json.Marshal(nonNil(m.Rewritten))
	if err != nil {
		return fmt.Errorf("encode rewritten paragraphs: %w", err)
	}

	query := `
		INSERT INTO memoir_sessions (
			user_id, session_id, id, step, phase, current_question,
			raw_answers_json, rewritten_json, final_document, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, session_id) DO UPDATE SET
			id = excluded.id,
			step = excluded.step,
			phase = excluded.phase,
			current_question = excluded.current_question,
			raw_answers_json = excluded.raw_answers_json,
			rewritten_json = excluded.rewritten_json,
			final_document = COALESCE(memoir_sessions.final_document, excluded.final_document),
			updated_at = excluded.updated_at`

	var question, document interface{}
	if m.CurrentQuestion != nil {
		question = *m.CurrentQuestion
	}
	if m.FinalDocument != nil {
		document = *m.FinalDocument
	}

	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, query,
		m.UserID, m.SessionID, m.ID, m.Step, m.Phase, question,
		string(rawJSON), string(rewrittenJSON), document,
		createdAt.Unix(), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert memoir session: %w", err)
	}
	return nil
}

// DeleteMemoirSession removes the interview of a tab.
func (s *SQLiteStore) DeleteMemoirSession(ctx context.Context, userID, sessionID string) error {
	return withRetry(ctx, "delete memoir session", func() error {
		s.sessionMu.Lock()
		defer s.sessionMu.Unlock()
		_, err := s.db.ExecContext(ctx, `DELETE FROM memoir_sessions WHERE user_id = ? AND session_id = ?`, userID, sessionID)
		return err
	})
}

// GetExpiredSessions lists interviews not updated within ttl.
func (s *SQLiteStore) GetExpiredSessions(ctx context.Context, ttl time.Duration) ([]domain.SessionKey, error) {
	threshold := time.Now().Add(-ttl).Unix()
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, session_id FROM memoir_sessions WHERE updated_at < ?`, threshold)
	if err != nil {
		return nil, fmt.Errorf("query expired sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close expired sessions rows", "error", closeErr)
		}
	}()

	var keys []domain.SessionKey
	for rows.Next() {
		var k domain.SessionKey
		if err := rows.Scan(&k.UserID, &k.SessionID); err != nil {
			return nil, fmt.Errorf("scan expired session row: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired sessions: %w", err)
	}
	return keys, nil
}

// GetAgentSession retrieves the chat history of a tab.
func (s *SQLiteStore) GetAgentSession(ctx context.Context, userID, sessionID string) (*domain.AgentSession, error) {
	query := `
		SELECT user_id, session_id, messages_json, created_at, updated_at
		FROM agent_sessions WHERE user_id = ? AND session_id = ?`

	var session domain.AgentSession
	var createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, query, userID, sessionID).Scan(
		&session.UserID, &session.SessionID, &session.MessagesJSON, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent session: %w", err)
	}

	session.CreatedAt = time.Unix(createdAt, 0)
	session.UpdatedAt = time.Unix(updatedAt, 0)
	return &session, nil
}

// UpsertAgentSession creates or updates chat history.
func (s *SQLiteStore) UpsertAgentSession(ctx context.Context, session *domain.AgentSession) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	query := `
		INSERT INTO agent_sessions (user_id, session_id, messages_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, session_id) DO UPDATE SET
			messages_json = excluded.messages_json,
			updated_at = excluded.updated_at`

	createdAt := session.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, query,
		session.UserID, session.SessionID, session.MessagesJSON,
		createdAt.Unix(), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert agent session: %w", err)
	}
	return nil
}

// DeleteAgentSession removes chat history.
func (s *SQLiteStore) DeleteAgentSession(ctx context.Context, userID, sessionID string) error {
	return withRetry(ctx, "delete agent session", func() error {
		s.sessionMu.Lock()
		defer s.sessionMu.Unlock()
		_, err := s.db.ExecContext(ctx, `DELETE FROM agent_sessions WHERE user_id = ? AND session_id = ?`, userID, sessionID)
		return err
	})
}

// CleanupExpiredSessions removes chat histories older than ttl.
func (s *SQLiteStore) CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).Unix()
	result, err := s.db.ExecContext(ctx, `DELETE FROM agent_sessions WHERE updated_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired sessions: %w", err)
	}
	return result.RowsAffected()
}

// withRetry runs fn with exponential backoff while SQLite reports lock contention.
func withRetry(ctx context.Context, op string, fn func() error) error {
	const maxRetries = 3
	baseDelay := 100 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i) // 100ms, 200ms
		slog.Debug("SQLite busy, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
