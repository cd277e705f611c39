// Package agent implements the memoir chat assistant.
package agent

import (
	"github.com/ashureev/memoir-cowriter/internal/domain"
)

// ChatRequest represents a chat request to the agent.
type ChatRequest struct {
	Message   string                 `json:"message"`
	UserID    string                 `json:"-"`
	SessionID string                 `json:"-"`
	History   []domain.StoredMessage `json:"-"`
}

// ChatResponse represents a chat response from the agent.
type ChatResponse struct {
	Response  string   `json:"response"`
	ToolsUsed []string `json:"tools_used,omitempty"`
}

// Config holds agent configuration.
type Config struct {
	Model         string
	Temperature   float32
	MaxTokens     int
	MaxToolRounds int
	HistoryLimit  int
}

// DefaultConfig returns default agent configuration.
func DefaultConfig() Config {
	return Config{
		Model:         "llama3-8b-8192",
		Temperature:   0.7,
		MaxTokens:     512,
		MaxToolRounds: 5,
		HistoryLimit:  20,
	}
}
