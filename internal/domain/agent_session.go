package domain

import (
	"time"
)

// AgentSession stores the chat history of one browser tab.
type AgentSession struct {
	UserID       string
	SessionID    string
	MessagesJSON string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// StoredMessage is a serialized chat message entry.
type StoredMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
