// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/memoir-cowriter/internal/domain"
)

// Repository defines the interface for persisting users and per-tab session state.
type Repository interface {
	// GetUser retrieves a user by their user ID.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// GetMemoirSession retrieves the interview of a tab. Returns nil if none exists.
	GetMemoirSession(ctx context.Context, userID, sessionID string) (*domain.MemoirSession, error)

	// UpsertMemoirSession creates or replaces the interview of a tab.
	UpsertMemoirSession(ctx context.Context, session *domain.MemoirSession) error

	// DeleteMemoirSession removes the interview of a tab.
	DeleteMemoirSession(ctx context.Context, userID, sessionID string) error

	// GetExpiredSessions lists interviews not updated within ttl.
	GetExpiredSessions(ctx context.Context, ttl time.Duration) ([]domain.SessionKey, error)

	// GetAgentSession retrieves the chat history of a tab. Returns nil if none exists.
	GetAgentSession(ctx context.Context, userID, sessionID string) (*domain.AgentSession, error)

	// UpsertAgentSession creates or updates chat history.
	UpsertAgentSession(ctx context.Context, session *domain.AgentSession) error

	// DeleteAgentSession removes chat history.
	DeleteAgentSession(ctx context.Context, userID, sessionID string) error

	// CleanupExpiredSessions removes chat histories older than ttl.
	CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
