package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/memoir-cowriter/internal/store"
)

// HealthHandler reports service health.
type HealthHandler struct {
	repo      store.Repository
	aiEnabled bool
	started   time.Time
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(repo store.Repository, aiEnabled bool) *HealthHandler {
	return &HealthHandler{repo: repo, aiEnabled: aiEnabled, started: time.Now()}
}

// RegisterHealth registers GET /api/health.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}

// Health pings the database and reports uptime.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code, dbStatus := "ok", http.StatusOK, "ok"
	if err := h.repo.Ping(ctx); err != nil {
		status, code, dbStatus = "degraded", http.StatusServiceUnavailable, err.Error()
	}

	JSON(w, code, map[string]interface{}{
		"status":         status,
		"database":       dbStatus,
		"ai_enabled":     h.aiEnabled,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	})
}
