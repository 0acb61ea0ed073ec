package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// ParseLevel
// ---------------------------------------------------------------------------

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"loud", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// NewLogger
// ---------------------------------------------------------------------------

func TestNewLogger_JSONFormat_ProducesValidJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "json", "info")
	logger.Info("report delivered", "chat_id", int64(42), "rows", 7)

	line := strings.TrimSpace(buf.String())
	if line == "" {
		t.Fatal("JSON logger produced no output")
	}

	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(line), &obj); err != nil {
		t.Fatalf("output is not valid JSON: %v\noutput: %s", err, line)
	}
	if obj["msg"] != "report delivered" {
		t.Errorf("msg = %v, want report delivered", obj["msg"])
	}
	if obj["service"] != "hemis-bot" {
		t.Errorf("service = %v, want hemis-bot", obj["service"])
	}
	if obj["chat_id"] != float64(42) {
		t.Errorf("chat_id = %v, want 42", obj["chat_id"])
	}
	if _, ok := obj["source"]; ok {
		t.Error("source attached at info level")
	}
}

func TestNewLogger_TextFormat_ProducesKeyValuePairs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "text", "info")
	logger.Info("text test", "command", "/excel")

	line := buf.String()
	if !strings.Contains(line, "text test") {
		t.Errorf("output does not contain message: %q", line)
	}
	if !strings.Contains(line, "command=/excel") {
		t.Errorf("output does not contain command=/excel: %q", line)
	}
}

func TestNewLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "text", "warn")
	logger.Info("should be suppressed")
	logger.Debug("also suppressed")
	if buf.Len() != 0 {
		t.Errorf("expected no output below warn, got %q", buf.String())
	}

	logger.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Errorf("warn record missing: %q", buf.String())
	}
}

func TestNewLogger_DebugAddsSource(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "json", "debug")
	logger.Debug("with source")

	var obj map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &obj); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if _, ok := obj["source"]; !ok {
		t.Error("debug logger did not attach source")
	}
}

// ---------------------------------------------------------------------------
// SetupLogger
// ---------------------------------------------------------------------------

func TestSetupLogger_DoesNotPanicForAllCombinations(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	formats := []string{"json", "text", "JSON", "", "unknown"}
	levels := []string{"debug", "info", "warn", "error", "", "unknown"}

	for _, format := range formats {
		for _, level := range levels {
			t.Run(format+"/"+level, func(t *testing.T) {
				defer func() {
					if r := recover(); r != nil {
						t.Errorf("SetupLogger(%q, %q) panicked: %v", format, level, r)
					}
				}()
				SetupLogger(format, level)
			})
		}
	}
}

func TestSetupLogger_SetsLevelOnDefault(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	SetupLogger("json", "error")
	if slog.Default().Enabled(context.Background(), slog.LevelWarn) {
		t.Error("default logger enabled at warn after SetupLogger(error)")
	}
	if !slog.Default().Enabled(context.Background(), slog.LevelError) {
		t.Error("default logger disabled at error after SetupLogger(error)")
	}
}
