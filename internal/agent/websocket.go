package agent

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashureev/memoir-cowriter/internal/identity"
)

const wsWriteTimeout = 10 * time.Second

// ConnectionManager tracks one chat WebSocket per user tab.
type ConnectionManager struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
}

// NewConnectionManager creates a new connection manager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		active: make(map[string]map[string]*websocket.Conn),
	}
}

// GetActive returns the active connection for a user and session.
func (m *ConnectionManager) GetActive(userID, sessionID string) *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sessions, ok := m.active[userID]; ok {
		return sessions[sessionID]
	}
	return nil
}

// Register adds a connection, closing any earlier one for the same tab.
func (m *ConnectionManager) Register(userID, sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[userID]; !exists {
		m.active[userID] = make(map[string]*websocket.Conn)
	}

	if existing, exists := m.active[userID][sessionID]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "session replaced")
	}

	m.active[userID][sessionID] = conn
	slog.Info("Chat connection registered", "user_id", userID, "session_id", sessionID)
}

// Unregister removes conn if it is still the tab's current connection.
func (m *ConnectionManager) Unregister(userID, sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessions, ok := m.active[userID]; ok {
		if current, exists := sessions[sessionID]; exists && current == conn {
			delete(sessions, sessionID)
			if len(sessions) == 0 {
				delete(m.active, userID)
			}
			slog.Info("Chat connection unregistered", "user_id", userID, "session_id", sessionID)
		}
	}
}

// CloseSession closes the connection of one tab, if any.
func (m *ConnectionManager) CloseSession(userID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions, ok := m.active[userID]
	if !ok {
		return
	}
	if conn, exists := sessions[sessionID]; exists {
		_ = conn.Close(websocket.StatusNormalClosure, "session expired")
		delete(sessions, sessionID)
		slog.Info("Chat connection closed", "user_id", userID, "session_id", sessionID)
	}
	if len(sessions) == 0 {
		delete(m.active, userID)
	}
}

// Count returns the number of open connections.
func (m *ConnectionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, sessions := range m.active {
		n += len(sessions)
	}
	return n
}

// CloseAll closes every tracked connection.
func (m *ConnectionManager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for userID, sessions := range m.active {
		for sid, conn := range sessions {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			slog.Info("Chat connection closed", "user_id", userID, "session_id", sid)
		}
	}
	m.active = make(map[string]map[string]*websocket.Conn)
}

// wsMessage is the frame exchanged on /ws/agent.
type wsMessage struct {
	Type      string   `json:"type"`
	Content   string   `json:"content,omitempty"`
	ToolsUsed []string `json:"tools_used,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// HandleWebSocket handles GET /ws/agent. Each inbound {"type":"chat"} frame
// is answered with message frames followed by a done or error frame.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
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
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	ws.SetReadLimit(h.cfg.MaxRequestBodySize)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	h.conns.Register(userID, sessionID, ws)
	defer h.conns.Unregister(userID, sessionID, ws)

	ctx := r.Context()
	for {
		var in wsMessage
		if err := wsjson.Read(ctx, ws, &in); err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "user_id", userID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		switch in.Type {
		case "ping":
			if err := h.writeWS(ctx, ws, wsMessage{Type: "pong"}); err != nil {
				return
			}
		case "chat":
			if err := h.chatOverWS(ctx, ws, userID, sessionID, in.Content); err != nil {
				slog.Debug("WebSocket write error", "error", err, "user_id", userID)
				return
			}
		default:
			if err := h.writeWS(ctx, ws, wsMessage{Type: "error", Error: "unknown message type"}); err != nil {
				return
			}
		}
	}
}

func (h *Handler) chatOverWS(ctx context.Context, ws *websocket.Conn, userID, sessionID, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return h.writeWS(ctx, ws, wsMessage{Type: "error", Error: "message is required"})
	}
	if !h.rateLimiter.Allow(userID) {
		return h.writeWS(ctx, ws, wsMessage{Type: "error", Error: "rate limit exceeded"})
	}

	req := ChatRequest{Message: content, UserID: userID, SessionID: sessionID}
	var writeErr error
	err := h.relay(ctx, req, "chat_ws", "", func(resp *ChatResponse) error {
		writeErr = h.writeWS(ctx, ws, wsMessage{Type: "message", Content: resp.Response, ToolsUsed: resp.ToolsUsed})
		return writeErr
	})
	switch {
	case writeErr != nil:
		return writeErr
	case err != nil:
		return h.writeWS(ctx, ws, wsMessage{Type: "error", Error: err.Error()})
	default:
		return h.writeWS(ctx, ws, wsMessage{Type: "done"})
	}
}

func (h *Handler) writeWS(ctx context.Context, ws *websocket.Conn, msg wsMessage) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws, msg)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.cfg.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.cfg.AllowedOrigin == "" || h.cfg.AllowedOrigin == "*" {
		return true
	}
	if origin == h.cfg.AllowedOrigin {
		return true
	}
	// Same-origin requests from the embedded UI.
	if strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://") == r.Host {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.cfg.AllowedOrigin)
	return false
}
