package memoir

import (
	"context"
	"errors"
	"slices"
	"strings"
)

var (
	// ErrSessionCompiled is returned when an answer arrives after the memoir was compiled.
	ErrSessionCompiled = errors.New("memoir already compiled")
	// ErrInterviewComplete is returned when an answer arrives after every question was rewritten.
	ErrInterviewComplete = errors.New("all questions answered")
	// ErrAnswerPending is returned when a new answer arrives before the previous one was rewritten.
	ErrAnswerPending = errors.New("previous answer not yet rewritten")
)

// Decision is the outcome of Decide.
type Decision string

const (
	// DecisionContinue means the next question should be asked.
	DecisionContinue Decision = "continue"
	// DecisionCompile means the interview is over and the memoir should be compiled.
	DecisionCompile Decision = "compile"
)

// ParagraphSeparator separates paragraphs in a compiled memoir.
const ParagraphSeparator = "\n\n"

// Polisher turns a raw answer into memoir prose. Implementations must never
// fail: on any internal error they return the raw text, possibly tagged.
type Polisher interface {
	Polish(ctx context.Context, raw string) string
}

// PolisherFunc adapts a function to Polisher.
type PolisherFunc func(ctx context.Context, raw string) string

// Polish calls f.
func (f PolisherFunc) Polish(ctx context.Context, raw string) string {
	return f(ctx, raw)
}

// Machine runs the interview operations against a Polisher.
type Machine struct {
	polisher Polisher
}

// NewMachine creates a Machine that rewrites answers with p.
func NewMachine(p Polisher) *Machine {
	return &Machine{polisher: p}
}

// Ask returns the question for the session's step and records it as the
// current question. Once the step passes the bank, or the memoir is compiled,
// the closing message is returned instead.
func (m *Machine) Ask(s Session) (Session, string) {
	out := s.Clone()
	q := QuestionAt(s.Step)
	if s.Compiled() {
		q = ClosingMessage
	}
	out.CurrentQuestion = ptr(q)
	if out.Phase == PhaseRewritten {
		out.Phase = PhaseAwaitingAnswer
	}
	return out, q
}

// Stage records a submitted answer as pending without recording it.
func (m *Machine) Stage(s Session, text string) Session {
	out := s.Clone()
	out.PendingAnswer = ptr(text)
	return out
}

// ReceivePending consumes the staged answer.
func (m *Machine) ReceivePending(s Session) (Session, error) {
	if s.PendingAnswer == nil {
		return s.Clone(), nil
	}
	return m.Receive(s, *s.PendingAnswer)
}

// Receive records a raw answer. Blank text is ignored and leaves the session
// unchanged apart from clearing the pending answer.
func (m *Machine) Receive(s Session, text string) (Session, error) {
	out := s.Clone()
	out.PendingAnswer = nil

	text = strings.TrimSpace(text)
	if text == "" {
		return out, nil
	}

	switch {
	case s.Compiled():
		return out, ErrSessionCompiled
	case len(s.Rewritten) >= QuestionCount:
		return out, ErrInterviewComplete
	case s.unrewritten():
		return out, ErrAnswerPending
	}

	out.RawAnswers = append(slices.Clip(out.RawAnswers), text)
	out.Phase = PhaseAnswerReceived
	return out, nil
}

// Rewrite polishes the latest raw answer, appends the result and advances the
// step. Without an unrewritten answer it is a no-op.
func (m *Machine) Rewrite(ctx context.Context, s Session) (Session, error) {
	if s.Compiled() {
		return s.Clone(), ErrSessionCompiled
	}
	if len(s.RawAnswers) == 0 || !s.unrewritten() {
		return s.Clone(), nil
	}

	last := strings.TrimSpace(s.RawAnswers[len(s.RawAnswers)-1])
	if last == "" {
		return s.Clone(), nil
	}

	polished := m.polisher.Polish(ctx, last)

	out := s.Clone()
	out.Rewritten = append(slices.Clip(out.Rewritten), polished)
	out.Step++
	out.Phase = PhaseRewritten
	return out, nil
}

// Decide reports whether the interview should continue or be compiled.
func (m *Machine) Decide(s Session) Decision {
	if len(s.Rewritten) >= QuestionCount {
		return DecisionCompile
	}
	return DecisionContinue
}

// Compile joins the rewritten paragraphs into the final document. It may run
// before all questions were answered. A compiled session is returned as is.
func (m *Machine) Compile(s Session) Session {
	out := s.Clone()
	if s.Compiled() {
		return out
	}
	out.FinalDocument = ptr(Join(s.Rewritten))
	out.Phase = PhaseCompiled
	return out
}

// Cycle runs one full rewrite cycle for answer: stage, receive, rewrite and
// decide, then either asks the next question or compiles. A blank answer
// returns the session unchanged with DecisionContinue.
func (m *Machine) Cycle(ctx context.Context, s Session, answer string) (Session, Decision, error) {
	before := len(s.RawAnswers)

	s, err := m.ReceivePending(m.Stage(s, answer))
	if err != nil {
		return s, m.Decide(s), err
	}
	if len(s.RawAnswers) == before {
		return s, m.Decide(s), nil
	}

	s, err = m.Rewrite(ctx, s)
	if err != nil {
		return s, m.Decide(s), err
	}

	decision := m.Decide(s)
	if decision == DecisionCompile {
		return m.Compile(s), decision, nil
	}
	s, _ = m.Ask(s)
	return s, decision, nil
}

// Join formats paragraphs as a compiled memoir.
func Join(paragraphs []string) string {
	return strings.Join(paragraphs, ParagraphSeparator)
}
