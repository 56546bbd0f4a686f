package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", line, err)
		}
		out = append(out, entry)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", DebugLevel},
		{"DEBUG", DebugLevel},
		{"info", InfoLevel},
		{"warn", WarnLevel},
		{"warning", WarnLevel},
		{" error ", ErrorLevel},
		{"", InfoLevel},
		{"verbose", InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WarnLevel, &buf)

	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown")
	logger.Errorf("shown %d", 2)

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %s", len(lines), buf.String())
	}
	if lines[1]["msg"] != "shown 2" {
		t.Errorf("unexpected message %v", lines[1]["msg"])
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(DebugLevel, &buf).
		WithField("component", "session").
		WithFields(map[string]interface{}{"attempt": 3}).
		WithError(errors.New("boom"))

	logger.Info("transition failed")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	entry := lines[0]
	if entry["component"] != "session" {
		t.Errorf("component = %v", entry["component"])
	}
	if entry["attempt"] != float64(3) {
		t.Errorf("attempt = %v", entry["attempt"])
	}
	if entry["error"] != "boom" {
		t.Errorf("error = %v", entry["error"])
	}
}

func TestWithErrorNil(t *testing.T) {
	logger := NewLogger(InfoLevel, &bytes.Buffer{})
	if logger.WithError(nil) != logger {
		t.Error("WithError(nil) should return the same logger")
	}
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(InfoLevel, &buf)

	ctx := WithLogger(context.Background(), base)
	ctx = WithRequestID(ctx, "req-1")
	ctx = WithUserID(ctx, "user-1")
	ctx = WithSessionID(ctx, "sess-1")

	FromContext(ctx).Info("hello")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	for key, want := range map[string]string{
		"request_id": "req-1",
		"user_id":    "user-1",
		"session_id": "sess-1",
	} {
		if lines[0][key] != want {
			t.Errorf("%s = %v, want %s", key, lines[0][key], want)
		}
	}
	if _, ok := lines[0]["trace_id"]; ok {
		t.Error("trace_id should be absent without a span")
	}
}

func TestContextGettersEmpty(t *testing.T) {
	ctx := context.Background()
	if GetRequestID(ctx) != "" || GetUserID(ctx) != "" || GetSessionID(ctx) != "" {
		t.Error("expected empty identifiers on a bare context")
	}
	if GetLogger(ctx) == nil {
		t.Error("GetLogger should fall back to a default logger")
	}
}
