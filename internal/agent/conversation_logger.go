package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// ConversationLogEvent is one line of the conversation log.
type ConversationLogEvent struct {
	Timestamp  string         `json:"ts"`
	UserID     string         `json:"user_id"`
	SessionID  string         `json:"session_id"`
	Channel    string         `json:"channel"`
	Direction  string         `json:"direction"`
	EventType  string         `json:"event_type"`
	ContentRaw string         `json:"content_raw"`
	Content    string         `json:"content"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// ConversationLogger records chat traffic.
type ConversationLogger interface {
	Log(event ConversationLogEvent)
	// CloseSession releases resources held for one tab.
	CloseSession(userID, sessionID string)
	Close() error
}

// ConversationLogConfig configures NewConversationLogger.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
	MaxSizeMB     int
	MaxBackups    int
}

type noopConversationLogger struct{}

func (noopConversationLogger) Log(ConversationLogEvent)    {}
func (noopConversationLogger) CloseSession(string, string) {}
func (noopConversationLogger) Close() error                { return nil }

// logItem is either an event to write or a control func run on the writer
// goroutine, in queue order.
type logItem struct {
	event ConversationLogEvent
	ctrl  func()
}

// fileConversationLogger writes NDJSON lines from a single goroutine so file
// handles are never shared.
type fileConversationLogger struct {
	cfg     ConversationLogConfig
	logger  *slog.Logger
	queue   chan logItem
	files   map[string]*os.File
	global  *lumberjack.Logger
	dropped atomic.Int64
	done    chan struct{}

	// mu guards closed and the queue against sends after Close.
	mu     sync.RWMutex
	closed bool
}

// NewConversationLogger returns a logger writing one file per user tab under
// cfg.Dir. It returns a no-op logger when logging is disabled.
func NewConversationLogger(cfg ConversationLogConfig, logger *slog.Logger) (ConversationLogger, error) {
	if !cfg.Enabled {
		return noopConversationLogger{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversation log dir: %w", err)
	}

	l := &fileConversationLogger{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan logItem, cfg.QueueSize),
		files:  make(map[string]*os.File),
		done:   make(chan struct{}),
	}
	if cfg.GlobalEnabled && cfg.GlobalPath != "" {
		l.global = &lumberjack.Logger{
			Filename:   cfg.GlobalPath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		}
	}

	go l.run()
	return l, nil
}

// Log enqueues event. Events are dropped when the queue is full or the
// logger is closed.
func (l *fileConversationLogger) Log(event ConversationLogEvent) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if event.Content == "" {
		event.Content = cleanForReadability(event.ContentRaw)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- logItem{event: event}:
	default:
		if n := l.dropped.Add(1); n%100 == 1 {
			l.logger.Warn("conversation log queue full, dropping events", "dropped_total", n)
		}
	}
}

// CloseSession closes the tab's log file after events already queued for it
// are written. A later event for the tab reopens the file.
func (l *fileConversationLogger) CloseSession(userID, sessionID string) {
	key := sessionKey(userID, sessionID)
	l.do(func() {
		f, ok := l.files[key]
		if !ok {
			return
		}
		if err := f.Close(); err != nil {
			l.logger.Warn("failed to close conversation log", "file", key, "error", err)
		}
		delete(l.files, key)
	})
}

// do runs fn on the writer goroutine and waits for it. It reports false when
// the logger is already closed.
func (l *fileConversationLogger) do(fn func()) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return false
	}
	ran := make(chan struct{})
	l.queue <- logItem{ctrl: func() {
		fn()
		close(ran)
	}}
	<-ran
	return true
}

// Close flushes queued events and closes all files.
func (l *fileConversationLogger) Close() error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()
	<-l.done
	return nil
}

func (l *fileConversationLogger) run() {
	defer close(l.done)
	defer l.closeFiles()

	for item := range l.queue {
		if item.ctrl != nil {
			item.ctrl()
			continue
		}
		l.write(item.event)
	}
}

func (l *fileConversationLogger) write(event ConversationLogEvent) {
	line, err := json.Marshal(event)
	if err != nil {
		l.logger.Warn("failed to encode conversation event", "error", err)
		return
	}
	line = append(line, '\n')

	if f, err := l.sessionFile(event.UserID, event.SessionID); err != nil {
		l.logger.Warn("failed to open conversation log", "user_id", event.UserID, "error", err)
	} else if _, err := f.Write(line); err != nil {
		l.logger.Warn("failed to write conversation log", "user_id", event.UserID, "error", err)
	}

	if l.global != nil {
		if _, err := l.global.Write(line); err != nil {
			l.logger.Warn("failed to write global conversation log", "error", err)
		}
	}
}

func sessionKey(userID, sessionID string) string {
	return safePathPart(userID, "anonymous") + "/" + safePathPart(sessionID, "default")
}

func (l *fileConversationLogger) sessionFile(userID, sessionID string) (*os.File, error) {
	userPart := safePathPart(userID, "anonymous")
	sessionPart := safePathPart(sessionID, "default")
	key := sessionKey(userID, sessionID)
	if f, ok := l.files[key]; ok {
		return f, nil
	}
	dir := filepath.Join(l.cfg.Dir, userPart)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, sessionPart+".ndjson"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	l.files[key] = f
	return f, nil
}

func (l *fileConversationLogger) closeFiles() {
	for key, f := range l.files {
		if err := f.Close(); err != nil {
			l.logger.Warn("failed to close conversation log", "file", key, "error", err)
		}
	}
	if l.global != nil {
		if err := l.global.Close(); err != nil {
			l.logger.Warn("failed to close global conversation log", "error", err)
		}
	}
}

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

func safePathPart(s, fallback string) string {
	s = unsafePathChars.ReplaceAllString(s, "_")
	if s == "" {
		return fallback
	}
	return s
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07]*\x07`)

// cleanForReadability strips terminal escapes and control characters.
func cleanForReadability(s string) string {
	s = ansiEscape.ReplaceAllString(s, "")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}
