package agent

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConversationLoggerWritesPerSessionNDJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := NewConversationLogger(ConversationLogConfig{
		Enabled:   true,
		Dir:       dir,
		QueueSize: 16,
	}, slog.Default())
	if err != nil {
		t.Fatalf("NewConversationLogger failed: %v", err)
	}
	defer func() { _ = logger.Close() }()

	event := ConversationLogEvent{
		UserID:     "user-1",
		SessionID:  "sess-1",
		Channel:    "chat_http",
		Direction:  "outbound",
		EventType:  "chat_user_message",
		ContentRaw: "I grew up by the sea",
	}
	logger.Log(event)

	path := filepath.Join(dir, "user-1", "sess-1.ndjson")
	line := waitForLogLine(t, path)
	var got ConversationLogEvent
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	if got.ContentRaw != "I grew up by the sea" {
		t.Fatalf("unexpected ContentRaw: %q", got.ContentRaw)
	}
	if got.Content == "" {
		t.Fatal("expected cleaned content to be populated")
	}
}

func TestConversationLoggerWritesGlobalFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	global := filepath.Join(dir, "all.ndjson")
	logger, err := NewConversationLogger(ConversationLogConfig{
		Enabled:       true,
		Dir:           dir,
		GlobalEnabled: true,
		GlobalPath:    global,
		QueueSize:     16,
		MaxSizeMB:     1,
		MaxBackups:    1,
	}, slog.Default())
	if err != nil {
		t.Fatalf("NewConversationLogger failed: %v", err)
	}

	logger.Log(ConversationLogEvent{UserID: "../escape", SessionID: "", ContentRaw: "hello"})
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	line := waitForLogLine(t, global)
	if !strings.Contains(line, `"content":"hello"`) {
		t.Fatalf("unexpected global line: %s", line)
	}
	if _, err := os.Stat(filepath.Join(dir, "___escape", "default.ndjson")); err != nil {
		t.Fatalf("expected sanitized per-session file: %v", err)
	}

	// Logging after Close must not panic.
	logger.Log(ConversationLogEvent{UserID: "late"})
}

func TestConversationLoggerCloseSessionReleasesFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cl, err := NewConversationLogger(ConversationLogConfig{
		Enabled:   true,
		Dir:       dir,
		QueueSize: 16,
	}, slog.Default())
	if err != nil {
		t.Fatalf("NewConversationLogger failed: %v", err)
	}
	l := cl.(*fileConversationLogger)
	defer func() { _ = l.Close() }()

	openFiles := func() int {
		var n int
		l.do(func() { n = len(l.files) })
		return n
	}

	l.Log(ConversationLogEvent{UserID: "user-1", SessionID: "tab-a", ContentRaw: "first"})
	l.Log(ConversationLogEvent{UserID: "user-1", SessionID: "tab-b", ContentRaw: "other"})
	path := filepath.Join(dir, "user-1", "tab-a.ndjson")
	waitForLogLine(t, path)
	if got := openFiles(); got != 2 {
		t.Fatalf("expected 2 open files, got %d", got)
	}

	var handle *os.File
	l.do(func() { handle = l.files[sessionKey("user-1", "tab-a")] })
	if handle == nil {
		t.Fatal("expected an open handle for tab-a")
	}

	l.CloseSession("user-1", "tab-a")
	if got := openFiles(); got != 1 {
		t.Fatalf("expected 1 open file after CloseSession, got %d", got)
	}
	if _, err := handle.Write([]byte("x")); err == nil {
		t.Fatal("expected write on released handle to fail")
	}

	// Unknown tabs are a no-op.
	l.CloseSession("user-9", "missing")

	// The tab's file reopens in append mode on the next event.
	l.Log(ConversationLogEvent{UserID: "user-1", SessionID: "tab-a", ContentRaw: "second"})
	line := waitForLogLine(t, path)
	if !strings.Contains(line, "second") {
		t.Fatalf("expected reopened file to receive new event, got %q", line)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if n := strings.Count(strings.TrimSpace(string(data)), "\n") + 1; n != 2 {
		t.Fatalf("expected 2 lines after reopen, got %d", n)
	}
}

func TestConversationLoggerCallsAfterCloseAreIgnored(t *testing.T) {
	t.Parallel()

	cl, err := NewConversationLogger(ConversationLogConfig{
		Enabled:   true,
		Dir:       t.TempDir(),
		QueueSize: 1,
	}, slog.Default())
	if err != nil {
		t.Fatalf("NewConversationLogger failed: %v", err)
	}
	l := cl.(*fileConversationLogger)
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	l.Log(ConversationLogEvent{UserID: "late", SessionID: "tab"})
	l.CloseSession("late", "tab")
	if l.do(func() {}) {
		t.Fatal("expected do to refuse work after Close")
	}
	if got := l.dropped.Load(); got != 0 {
		t.Fatalf("events after Close should be ignored, not counted as drops: %d", got)
	}
}

func TestDisabledConversationLoggerIsNoop(t *testing.T) {
	t.Parallel()

	logger, err := NewConversationLogger(ConversationLogConfig{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("NewConversationLogger failed: %v", err)
	}
	if _, ok := logger.(noopConversationLogger); !ok {
		t.Fatalf("expected noop logger, got %T", logger)
	}
}

func TestCleanForReadabilityStripsANSI(t *testing.T) {
	t.Parallel()

	raw := "\x1b[31merror\x1b[0m plain"
	clean := cleanForReadability(raw)
	if strings.Contains(clean, "\x1b[31m") {
		t.Fatalf("expected ANSI sequence to be stripped: %q", clean)
	}
	if !strings.Contains(clean, "error plain") {
		t.Fatalf("expected readable text to remain: %q", clean)
	}
}

func waitForLogLine(t *testing.T, path string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			lines := strings.Split(strings.TrimSpace(string(data)), "\n")
			if len(lines) > 0 {
				return lines[len(lines)-1]
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for log file %s", path)
	return ""
}
