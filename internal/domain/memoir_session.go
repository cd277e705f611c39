package domain

import (
	"time"
)

// SessionKey identifies one tab of one user.
type SessionKey struct {
	UserID    string
	SessionID string
}

// MemoirSession is the stored form of an interview in progress.
type MemoirSession struct {
	ID              string
	UserID          string
	SessionID       string
	Step            int
	Phase           string
	CurrentQuestion *string
	RawAnswers      []string
	Rewritten       []string
	FinalDocument   *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Key returns the session's key.
func (m *MemoirSession) Key() SessionKey {
	return SessionKey{UserID: m.UserID, SessionID: m.SessionID}
}
