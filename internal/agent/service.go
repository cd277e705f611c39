package agent

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"strings"

	"github.com/ashureev/memoir-cowriter/internal/domain"
)

// HistoryStore persists chat history per user tab.
type HistoryStore interface {
	GetAgentSession(ctx context.Context, userID, sessionID string) (*domain.AgentSession, error)
	UpsertAgentSession(ctx context.Context, s *domain.AgentSession) error
	DeleteAgentSession(ctx context.Context, userID, sessionID string) error
}

// Service provides AI chat functionality with persisted history.
type Service struct {
	processor    Processor
	history      HistoryStore
	historyLimit int
	logger       *slog.Logger
}

// NewService creates a new agent service. history may be nil, in which case
// every chat starts fresh.
func NewService(processor Processor, history HistoryStore, historyLimit int, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if historyLimit <= 0 {
		historyLimit = DefaultConfig().HistoryLimit
	}
	return &Service{
		processor:    processor,
		history:      history,
		historyLimit: historyLimit,
		logger:       logger,
	}
}

// Chat processes a user message and returns response chunks. The exchange is
// appended to the tab's history once the processor finishes without error.
func (s *Service) Chat(ctx context.Context, req ChatRequest) iter.Seq2[*ChatResponse, error] {
	return func(yield func(*ChatResponse, error) bool) {
		prior := s.loadHistory(ctx, req.UserID, req.SessionID)
		req.History = prior

		var reply strings.Builder
		for resp, err := range s.processor.Chat(ctx, req) {
			if err != nil {
				yield(nil, err)
				return
			}
			if resp != nil {
				reply.WriteString(resp.Response)
			}
			if !yield(resp, nil) {
				return
			}
		}

		s.saveHistory(ctx, req.UserID, req.SessionID, append(prior, storedExchange(req.Message, reply.String())...))
	}
}

// Reset drops the stored history for a tab.
func (s *Service) Reset(ctx context.Context, userID, sessionID string) error {
	if s.history == nil {
		return nil
	}
	return s.history.DeleteAgentSession(ctx, userID, sessionID)
}

// Close releases resources.
func (s *Service) Close() {
	if s.processor != nil {
		s.processor.Close()
	}
}

func (s *Service) loadHistory(ctx context.Context, userID, sessionID string) []domain.StoredMessage {
	if s.history == nil {
		return nil
	}
	rec, err := s.history.GetAgentSession(ctx, userID, sessionID)
	if err != nil {
		s.logger.Warn("failed to load chat history", "user_id", userID, "session_id", sessionID, "error", err)
		return nil
	}
	if rec == nil || rec.MessagesJSON == "" {
		return nil
	}
	var msgs []domain.StoredMessage
	if err := json.Unmarshal([]byte(rec.MessagesJSON), &msgs); err != nil {
		s.logger.Warn("discarding unreadable chat history", "user_id", userID, "session_id", sessionID, "error", err)
		return nil
	}
	return msgs
}

func (s *Service) saveHistory(ctx context.Context, userID, sessionID string, msgs []domain.StoredMessage) {
	if s.history == nil {
		return
	}
	if len(msgs) > s.historyLimit {
		msgs = msgs[len(msgs)-s.historyLimit:]
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		s.logger.Warn("failed to encode chat history", "error", err)
		return
	}
	if err := s.history.UpsertAgentSession(ctx, &domain.AgentSession{
		UserID:       userID,
		SessionID:    sessionID,
		MessagesJSON: string(data),
	}); err != nil {
		s.logger.Warn("failed to save chat history", "user_id", userID, "session_id", sessionID, "error", err)
	}
}
