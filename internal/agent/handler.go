package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/memoir-cowriter/internal/identity"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// HandlerConfig configures NewHandler.
type HandlerConfig struct {
	RateLimitRequests  int
	RateLimitWindow    time.Duration
	MaxRequestBodySize int64
	AllowedOrigin      string
	IsDev              bool
}

// Handler serves the chat endpoints over SSE and WebSocket.
type Handler struct {
	agent       *Service
	rateLimiter *RateLimiter
	conns       *ConnectionManager
	log         ConversationLogger
	cfg         HandlerConfig
}

// RateLimiter implements a per-user rate limiter.
// The key is userID only, not userID:sessionID, so clients cannot bypass
// throttling by rotating session IDs.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	stop     chan struct{}
	once     sync.Once
}

// NewRateLimiter creates a new rate limiter and starts the background eviction goroutine.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		stop:     make(chan struct{}),
	}
	rl.startEviction()
	return rl
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	recent := fresh(r.requests[key], now.Add(-r.window))

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// Stop ends the eviction goroutine.
func (r *RateLimiter) Stop() {
	r.once.Do(func() { close(r.stop) })
}

// startEviction periodically removes expired keys so the map does not grow
// without bound.
func (r *RateLimiter) startEviction() {
	go func() {
		ticker := time.NewTicker(r.window)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
			}
			r.mu.Lock()
			cutoff := time.Now().Add(-r.window)
			for key, times := range r.requests {
				if kept := fresh(times, cutoff); len(kept) == 0 {
					delete(r.requests, key)
				} else {
					r.requests[key] = kept
				}
			}
			r.mu.Unlock()
		}
	}()
}

func fresh(times []time.Time, cutoff time.Time) []time.Time {
	var out []time.Time
	for _, t := range times {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// NewHandler creates a chat handler. A nil service serves 503 on every chat
// route.
func NewHandler(agentService *Service, conversationLogger ConversationLogger, cfg HandlerConfig) *Handler {
	if conversationLogger == nil {
		conversationLogger = noopConversationLogger{}
	}
	if cfg.MaxRequestBodySize <= 0 {
		cfg.MaxRequestBodySize = defaultMaxRequestBodySize
	}
	return &Handler{
		agent:       agentService,
		rateLimiter: NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow),
		conns:       NewConnectionManager(),
		log:         conversationLogger,
		cfg:         cfg,
	}
}

// RegisterRoutes registers agent routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/agent/chat", h.HandleChat)
	r.Get("/ws/agent", h.HandleWebSocket)
}

// HandleChat handles POST /api/agent/chat requests.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}
	if h.agent == nil {
		http.Error(w, `{"error": "agent_disabled"}`, http.StatusServiceUnavailable)
		return
	}

	if !h.rateLimiter.Allow(userID) {
		http.Error(w, `{"error": "rate limit exceeded"}`, http.StatusTooManyRequests)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxRequestBodySize)

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, `{"error": "request body too large"}`, http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}

	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		http.Error(w, `{"error": "message is required"}`, http.StatusBadRequest)
		return
	}

	req.UserID = userID
	req.SessionID = sessionID
	reqID := chiMiddleware.GetReqID(r.Context())

	slog.Info("Agent chat request",
		"user_id", userID,
		"session_id", sessionID,
		"message_length", len(req.Message),
	)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sse := func(event, data string) error {
		if err := writeSSE(w, event, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	err := h.relay(r.Context(), req, "chat_http", reqID, func(resp *ChatResponse) error {
		data, err := json.Marshal(resp)
		if err != nil {
			return err
		}
		return sse("message", string(data))
	})
	if err != nil {
		if writeErr := sse("error", errorPayload(err)); writeErr != nil {
			slog.Warn("failed to write SSE error event", "error", writeErr)
		}
		return
	}
	if err := sse("done", `{}`); err != nil {
		slog.Warn("failed to write SSE done event", "error", err)
	}
}

// relay streams one chat turn through emit and records both sides of the
// exchange in the conversation log.
func (h *Handler) relay(ctx context.Context, req ChatRequest, channel, reqID string, emit func(*ChatResponse) error) error {
	h.logUserMessage(req, channel, reqID)

	var reply strings.Builder
	chunks := 0
	for resp, err := range h.agent.Chat(ctx, req) {
		if err == nil && resp != nil {
			chunks++
			reply.WriteString(resp.Response)
			err = emit(resp)
		}
		if err != nil {
			slog.Error("Agent stream failed", "error", err, "user_id", req.UserID, "channel", channel)
			h.logAssistantMessage(req, channel, reply.String(), chunks, err.Error(), reqID)
			return err
		}
	}
	h.logAssistantMessage(req, channel, reply.String(), chunks, "", reqID)
	return nil
}

func (h *Handler) logUserMessage(req ChatRequest, channel, requestID string) {
	h.log.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     req.UserID,
		SessionID:  req.SessionID,
		Channel:    channel,
		Direction:  "outbound",
		EventType:  "chat_user_message",
		ContentRaw: req.Message,
		Content:    cleanForReadability(req.Message),
		Meta: map[string]any{
			"request_id": requestID,
		},
	})
}

func (h *Handler) logAssistantMessage(req ChatRequest, channel, content string, streamChunks int, streamErrMsg, requestID string) {
	h.log.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     req.UserID,
		SessionID:  req.SessionID,
		Channel:    channel,
		Direction:  "inbound",
		EventType:  "chat_assistant_message",
		ContentRaw: content,
		Content:    cleanForReadability(content),
		Meta: map[string]any{
			"stream_chunks": streamChunks,
			"partial":       streamErrMsg != "",
			"stream_error":  streamErrMsg,
			"request_id":    requestID,
		},
	})
}

// Close releases handler resources.
func (h *Handler) Close() {
	h.rateLimiter.Stop()
	h.conns.CloseAll()
	if h.agent != nil {
		h.agent.Close()
	}
	if h.log != nil {
		if err := h.log.Close(); err != nil {
			slog.Warn("failed to close conversation logger", "error", err)
		}
	}
}

// DisconnectSession closes the chat socket and conversation log of an expired
// tab.
func (h *Handler) DisconnectSession(userID, sessionID string) {
	h.conns.CloseSession(userID, sessionID)
	h.log.CloseSession(userID, sessionID)
}

// GetService returns the underlying agent service.
func (h *Handler) GetService() *Service {
	return h.agent
}

func errorPayload(err error) string {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(data)
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
