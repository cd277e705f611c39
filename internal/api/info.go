package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/memoir-cowriter/internal/identity"
	"github.com/ashureev/memoir-cowriter/internal/memoir"
)

// ClientConfig is what the frontend needs to know about the server.
type ClientConfig struct {
	AIEnabled  bool
	Model      string
	SessionTTL time.Duration
}

// InfoHandler serves identity and configuration endpoints.
type InfoHandler struct {
	*Handler
	client ClientConfig
}

// NewInfoHandler creates an info handler.
func NewInfoHandler(base *Handler, client ClientConfig) *InfoHandler {
	return &InfoHandler{Handler: base, client: client}
}

// RegisterRoutes registers info routes.
func (h *InfoHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/me", h.GetMe)
	r.Get("/api/config", h.GetConfig)
}

// GetMe returns the current user's information.
func (h *InfoHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		Error(w, http.StatusUnauthorized, "user not found")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"user_id":      user.UserID,
		"username":     user.Username,
		"session_id":   identity.SessionIDFromContext(r.Context()),
		"idle_seconds": int64(user.IdleFor(time.Now()).Seconds()),
	})
}

// GetConfig returns the server configuration for the frontend.
func (h *InfoHandler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"ai_enabled":          h.client.AIEnabled,
		"model":               h.client.Model,
		"question_count":      memoir.QuestionCount,
		"session_ttl_seconds": int64(h.client.SessionTTL.Seconds()),
	})
}
