// Package memoir implements the interview state machine: ask a reflective
// question, receive the answer, rewrite it as prose, decide whether to
// continue, and compile the finished memoir.
package memoir

import "slices"

// Phase is the position of a session in the interview cycle.
type Phase string

const (
	// PhaseAwaitingAnswer is the initial phase and the phase after each ask.
	PhaseAwaitingAnswer Phase = "awaiting_answer"
	// PhaseAnswerReceived means a raw answer exists that has not been rewritten.
	PhaseAnswerReceived Phase = "answer_received"
	// PhaseRewritten means the latest answer has been rewritten.
	PhaseRewritten Phase = "rewritten"
	// PhaseCompiled is terminal: FinalDocument is set.
	PhaseCompiled Phase = "compiled"
)

// Session is one user's progress through the interview. It is a plain value;
// every Machine operation takes a Session and returns the updated one without
// sharing slices with its input.
type Session struct {
	Step            int      `json:"step"`
	RawAnswers      []string `json:"raw_answers"`
	Rewritten       []string `json:"rewritten"`
	CurrentQuestion *string  `json:"current_question,omitempty"`
	PendingAnswer   *string  `json:"pending_answer,omitempty"`
	FinalDocument   *string  `json:"final_document,omitempty"`
	Phase           Phase    `json:"phase"`
}

// NewSession returns a session with all fields at their zero defaults.
func NewSession() Session {
	return Session{Phase: PhaseAwaitingAnswer}
}

// Compiled reports whether the session reached its terminal state.
func (s Session) Compiled() bool {
	return s.FinalDocument != nil
}

// Question returns the current question or "" if ask was never called.
func (s Session) Question() string {
	if s.CurrentQuestion == nil {
		return ""
	}
	return *s.CurrentQuestion
}

// Document returns the compiled document or "" before compilation.
func (s Session) Document() string {
	if s.FinalDocument == nil {
		return ""
	}
	return *s.FinalDocument
}

// Clone returns a deep copy of s.
func (s Session) Clone() Session {
	out := s
	out.RawAnswers = slices.Clone(s.RawAnswers)
	out.Rewritten = slices.Clone(s.Rewritten)
	out.CurrentQuestion = clonePtr(s.CurrentQuestion)
	out.PendingAnswer = clonePtr(s.PendingAnswer)
	out.FinalDocument = clonePtr(s.FinalDocument)
	return out
}

// unrewritten reports whether the latest raw answer still awaits a rewrite.
func (s Session) unrewritten() bool {
	return len(s.RawAnswers) > len(s.Rewritten)
}

func clonePtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func ptr(v string) *string {
	return &v
}
