package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "json", "warn").Warn("hello", "device_id", "n1")
	if !strings.HasPrefix(buf.String(), "{") || !strings.Contains(buf.String(), `"device_id":"n1"`) {
		t.Errorf("json output = %q", buf.String())
	}

	buf.Reset()
	l := newLogger(&buf, "text", "warn")
	l.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %q", buf.String())
	}
	l.Error("kept")
	if !strings.Contains(buf.String(), "msg=kept") {
		t.Errorf("text output = %q", buf.String())
	}
}

func TestLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"noisy": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := logLevel(in).Level(); got != want {
			t.Errorf("logLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
