// Package sweeper removes interviews and chat histories that outlived their TTL.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/memoir-cowriter/internal/domain"
	"github.com/ashureev/memoir-cowriter/internal/shared"
)

// Store is the part of the repository the sweeper needs.
type Store interface {
	GetExpiredSessions(ctx context.Context, ttl time.Duration) ([]domain.SessionKey, error)
	DeleteMemoirSession(ctx context.Context, userID, sessionID string) error
	DeleteAgentSession(ctx context.Context, userID, sessionID string) error
	CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)
}

// CleanupCallback is called for each session removed by the sweeper.
type CleanupCallback func(key domain.SessionKey)

// Sweeper periodically deletes expired sessions.
type Sweeper struct {
	repo      Store
	ttl       time.Duration
	interval  time.Duration
	onCleanup CleanupCallback
	logger    *slog.Logger
}

// New creates a sweeper. onCleanup may be nil.
func New(repo Store, ttl, interval time.Duration, onCleanup CleanupCallback, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{repo: repo, ttl: ttl, interval: interval, onCleanup: onCleanup, logger: logger}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("Session sweeper started", "interval", s.interval, "ttl", s.ttl)

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			s.logger.Info("Session sweeper shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

// Sweep runs one cleanup pass and returns the number of interviews removed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	expired, err := s.repo.GetExpiredSessions(ctx, s.ttl)
	if err != nil {
		s.logger.Error("Sweeper failed to get expired sessions", "error", err)
		return 0
	}

	cleaned := 0
	for _, key := range expired {
		err := withRetry(ctx, func() error {
			return s.repo.DeleteMemoirSession(ctx, key.UserID, key.SessionID)
		})
		if err != nil {
			s.logger.Warn("Sweeper failed to delete memoir session",
				"error", err,
				"user_id", key.UserID,
				"session_id", key.SessionID)
			continue
		}

		if err := withRetry(ctx, func() error {
			return s.repo.DeleteAgentSession(ctx, key.UserID, key.SessionID)
		}); err != nil {
			s.logger.Warn("Sweeper failed to delete chat history",
				"error", err,
				"user_id", key.UserID,
				"session_id", key.SessionID)
		}

		if s.onCleanup != nil {
			s.onCleanup(key)
		}
		cleaned++
	}

	if cleaned > 0 {
		s.logger.Info("Sweeper cleanup completed", "cleaned", cleaned)
	}

	// Chat histories can outlive their interview when the tab never answered.
	if deleted, err := s.repo.CleanupExpiredSessions(ctx, s.ttl); err != nil {
		s.logger.Error("Sweeper failed to clean up orphaned chat histories", "error", err)
	} else if deleted > 0 {
		s.logger.Info("Sweeper cleaned up orphaned chat histories", "count", deleted)
	}

	return cleaned
}

// withRetry retries fn with exponential backoff while the database is busy.
func withRetry(ctx context.Context, fn func() error) error {
	const maxRetries = 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay * time.Duration(1<<i)):
		}
	}
	return fmt.Errorf("after %d attempts: %w", maxRetries, err)
}
