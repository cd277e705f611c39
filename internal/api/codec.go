package api

import (
	"slices"

	"github.com/google/uuid"

	"github.com/ashureev/memoir-cowriter/internal/domain"
	"github.com/ashureev/memoir-cowriter/internal/memoir"
)

// record pairs a stored row with the machine value it decodes to.
type record struct {
	id      string
	key     domain.SessionKey
	session memoir.Session
}

func newRecord(key domain.SessionKey) record {
	return record{id: uuid.NewString(), key: key, session: memoir.NewSession()}
}

func fromDomain(m *domain.MemoirSession) record {
	return record{
		id:  m.ID,
		key: m.Key(),
		session: memoir.Session{
			Step:            m.Step,
			RawAnswers:      slices.Clone(m.RawAnswers),
			Rewritten:       slices.Clone(m.Rewritten),
			CurrentQuestion: m.CurrentQuestion,
			FinalDocument:   m.FinalDocument,
			Phase:           memoir.Phase(m.Phase),
		},
	}
}

func (r record) toDomain() *domain.MemoirSession {
	return &domain.MemoirSession{
		ID:              r.id,
		UserID:          r.key.UserID,
		SessionID:       r.key.SessionID,
		Step:            r.session.Step,
		Phase:           string(r.session.Phase),
		CurrentQuestion: r.session.CurrentQuestion,
		RawAnswers:      slices.Clone(r.session.RawAnswers),
		Rewritten:       slices.Clone(r.session.Rewritten),
		FinalDocument:   r.session.FinalDocument,
	}
}

// sessionView is the JSON shape of a session returned to clients.
type sessionView struct {
	Step          int      `json:"step"`
	QuestionCount int      `json:"question_count"`
	Phase         string   `json:"phase"`
	Question      string   `json:"question,omitempty"`
	Rewritten     []string `json:"rewritten"`
	RawAnswers    []string `json:"raw_answers,omitempty"`
	Compiled      bool     `json:"compiled"`
	Memoir        *string  `json:"memoir,omitempty"`
}

func viewOf(s memoir.Session, debug bool) sessionView {
	v := sessionView{
		Step:          s.Step,
		QuestionCount: memoir.QuestionCount,
		Phase:         string(s.Phase),
		Question:      s.Question(),
		Rewritten:     s.Rewritten,
		Compiled:      s.Compiled(),
		Memoir:        s.FinalDocument,
	}
	if v.Rewritten == nil {
		v.Rewritten = []string{}
	}
	if debug {
		v.RawAnswers = s.RawAnswers
		if v.RawAnswers == nil {
			v.RawAnswers = []string{}
		}
	}
	return v
}
