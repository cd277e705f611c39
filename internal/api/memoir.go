package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/memoir-cowriter/internal/domain"
	"github.com/ashureev/memoir-cowriter/internal/identity"
	"github.com/ashureev/memoir-cowriter/internal/memoir"
)

// DownloadFilename is the attachment name of a compiled memoir.
const DownloadFilename = "my_memoir.txt"

// ChatResetter clears chat state for a tab when its interview is reset.
type ChatResetter interface {
	Reset(ctx context.Context, userID, sessionID string) error
}

// MemoirHandler serves the interview endpoints.
type MemoirHandler struct {
	*Handler
	machine *memoir.Machine
	chat    ChatResetter
	locks   tabLocks
}

// NewMemoirHandler creates a memoir handler. chat may be nil.
func NewMemoirHandler(base *Handler, machine *memoir.Machine, chat ChatResetter) *MemoirHandler {
	return &MemoirHandler{Handler: base, machine: machine, chat: chat}
}

// RegisterRoutes registers memoir routes.
func (h *MemoirHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/memoir", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Post("/ask", h.Ask)
		r.Post("/answer", h.Answer)
		r.Post("/compile", h.Compile)
		r.Get("/download", h.Download)
		r.Post("/reset", h.Reset)
	})
}

type answerRequest struct {
	Answer string `json:"answer"`
}

type answerResponse struct {
	sessionView
	Ignored  bool            `json:"ignored,omitempty"`
	Decision memoir.Decision `json:"decision,omitempty"`
	Latest   string          `json:"latest,omitempty"`
}

// Get returns the caller's session. ?debug=1 includes raw answers.
func (h *MemoirHandler) Get(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKey(w, r)
	if !ok {
		return
	}
	rec, err := h.load(r.Context(), key)
	if err != nil {
		slog.Error("Failed to load memoir session", "error", err, "user_id", key.UserID, "session_id", key.SessionID)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	JSON(w, http.StatusOK, viewOf(rec.session, r.URL.Query().Get("debug") == "1"))
}

// Ask records and returns the question for the current step.
func (h *MemoirHandler) Ask(w http.ResponseWriter, r *http.Request) {
	h.withSession(w, r, func(ctx context.Context, rec record) (record, any, int) {
		rec.session, _ = h.machine.Ask(rec.session)
		return rec, viewOf(rec.session, false), http.StatusOK
	})
}

// Answer runs one rewrite cycle for the submitted answer.
func (h *MemoirHandler) Answer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	h.withSession(w, r, func(ctx context.Context, rec record) (record, any, int) {
		if strings.TrimSpace(req.Answer) == "" {
			return rec, answerResponse{sessionView: viewOf(rec.session, false), Ignored: true}, http.StatusOK
		}
		if rec.session.CurrentQuestion == nil && !rec.session.Compiled() {
			rec.session, _ = h.machine.Ask(rec.session)
		}

		next, decision, err := h.machine.Cycle(ctx, rec.session, req.Answer)
		if err != nil {
			return rec, errorBody(err), statusFor(err)
		}
		rec.session = next

		resp := answerResponse{sessionView: viewOf(next, false), Decision: decision}
		if n := len(next.Rewritten); n > 0 {
			resp.Latest = next.Rewritten[n-1]
		}
		slog.Info("Memoir answer rewritten",
			"user_id", rec.key.UserID,
			"session_id", rec.key.SessionID,
			"step", next.Step,
			"decision", string(decision),
		)
		return rec, resp, http.StatusOK
	})
}

// Compile finalizes the memoir. Compiling early is allowed and compiling
// twice returns the original document.
func (h *MemoirHandler) Compile(w http.ResponseWriter, r *http.Request) {
	h.withSession(w, r, func(ctx context.Context, rec record) (record, any, int) {
		rec.session = h.machine.Compile(rec.session)
		return rec, viewOf(rec.session, false), http.StatusOK
	})
}

// Download returns the compiled memoir as a text attachment.
func (h *MemoirHandler) Download(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKey(w, r)
	if !ok {
		return
	}
	rec, err := h.load(r.Context(), key)
	if err != nil {
		slog.Error("Failed to load memoir session", "error", err, "user_id", key.UserID)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if !rec.session.Compiled() {
		Error(w, http.StatusNotFound, "not_compiled")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", DownloadFilename))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(rec.session.Document())); err != nil {
		slog.Debug("Failed to write memoir download", "error", err, "user_id", key.UserID)
	}
}

// Reset discards the caller's session and chat history.
func (h *MemoirHandler) Reset(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKey(w, r)
	if !ok {
		return
	}
	unlock, ok := h.tryLock(key)
	if !ok {
		Error(w, http.StatusConflict, "request_in_progress")
		return
	}
	defer unlock()

	ctx := r.Context()
	if err := h.repo.DeleteMemoirSession(ctx, key.UserID, key.SessionID); err != nil {
		slog.Error("Failed to delete memoir session", "error", err, "user_id", key.UserID)
		Error(w, http.StatusInternalServerError, "failed to reset session")
		return
	}
	if h.chat != nil {
		if err := h.chat.Reset(ctx, key.UserID, key.SessionID); err != nil {
			slog.Warn("Failed to reset chat history", "error", err, "user_id", key.UserID)
		}
	}

	slog.Info("Memoir session reset", "user_id", key.UserID, "session_id", key.SessionID)
	JSON(w, http.StatusOK, viewOf(memoir.NewSession(), false))
}

// withSession serializes fn per tab, loads the session, and persists the
// returned record when fn succeeds and changed it.
func (h *MemoirHandler) withSession(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, rec record) (record, any, int)) {
	key, ok := sessionKey(w, r)
	if !ok {
		return
	}

	unlock, ok := h.tryLock(key)
	if !ok {
		slog.Warn("Memoir request already in progress", "user_id", key.UserID, "session_id", key.SessionID)
		Error(w, http.StatusConflict, "request_in_progress")
		return
	}
	defer unlock()

	ctx := r.Context()
	rec, err := h.load(ctx, key)
	if err != nil {
		slog.Error("Failed to load memoir session", "error", err, "user_id", key.UserID, "session_id", key.SessionID)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	before := rec.session.Clone()
	next, body, status := fn(ctx, rec)
	if status == http.StatusOK && changed(before, next.session) {
		if err := h.repo.UpsertMemoirSession(ctx, next.toDomain()); err != nil {
			slog.Error("Failed to save memoir session", "error", err, "user_id", key.UserID, "session_id", key.SessionID)
			Error(w, http.StatusInternalServerError, "failed to save session")
			return
		}
	}
	JSON(w, status, body)
}

func (h *MemoirHandler) load(ctx context.Context, key domain.SessionKey) (record, error) {
	m, err := h.repo.GetMemoirSession(ctx, key.UserID, key.SessionID)
	if err != nil {
		return record{}, err
	}
	if m == nil {
		return newRecord(key), nil
	}
	return fromDomain(m), nil
}

// tryLock claims the tab for one request. Concurrent requests for the same
// tab are refused rather than queued.
func (h *MemoirHandler) tryLock(key domain.SessionKey) (func(), bool) {
	return h.locks.tryLock(key.UserID + ":" + key.SessionID)
}

func sessionKey(w http.ResponseWriter, r *http.Request) (domain.SessionKey, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return domain.SessionKey{}, false
	}
	return domain.SessionKey{UserID: userID, SessionID: identity.SessionIDFromContext(r.Context())}, true
}

func changed(a, b memoir.Session) bool {
	return a.Step != b.Step ||
		a.Phase != b.Phase ||
		a.Question() != b.Question() ||
		len(a.RawAnswers) != len(b.RawAnswers) ||
		len(a.Rewritten) != len(b.Rewritten) ||
		a.Compiled() != b.Compiled()
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, memoir.ErrSessionCompiled),
		errors.Is(err, memoir.ErrInterviewComplete),
		errors.Is(err, memoir.ErrAnswerPending):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) map[string]string {
	code := "internal_error"
	switch {
	case errors.Is(err, memoir.ErrSessionCompiled):
		code = "session_compiled"
	case errors.Is(err, memoir.ErrInterviewComplete):
		code = "interview_complete"
	case errors.Is(err, memoir.ErrAnswerPending):
		code = "answer_pending"
	}
	return map[string]string{"error": code, "message": err.Error()}
}
