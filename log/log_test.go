package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func capture() (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	h := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return NewWithHandler(h), &buf
}

func TestModuleAttribute(t *testing.T) {
	l, buf := capture()
	l.Module("rrepair").Info("session done", "session", 42)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if entry["module"] != "rrepair" {
		t.Errorf("module = %v, want rrepair", entry["module"])
	}
	if entry["msg"] != "session done" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["session"] != float64(42) {
		t.Errorf("session = %v, want 42", entry["session"])
	}
}

func TestWithContext(t *testing.T) {
	l, buf := capture()
	l.With("node", "n1").Warn("peer unreachable", "peer", "n3")
	out := buf.String()
	if !strings.Contains(out, `"node":"n1"`) || !strings.Contains(out, `"peer":"n3"`) {
		t.Errorf("missing context in %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"Warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{" warn ", slog.LevelWarn},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSetDefault(t *testing.T) {
	old := Default()
	defer SetDefault(old)

	l, buf := capture()
	SetDefault(l)
	Info("hello")
	if !strings.Contains(buf.String(), "hello") {
		t.Error("default logger did not receive message")
	}
	SetDefault(nil) // ignored
	if Default() != l {
		t.Error("SetDefault(nil) replaced the default logger")
	}
}
