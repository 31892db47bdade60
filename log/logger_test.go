package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestLogger_SessionField(t *testing.T) {
	var buf bytes.Buffer
	l := newLoggerWithWriter("sess-1", zapcore.DebugLevel, &buf)

	l.Info("frame loaded", map[string]any{"frame_id": "lode:a"})
	_ = l.Sync()

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v (%q)", err, buf.String())
	}
	if entry["session_id"] != "sess-1" {
		t.Errorf("expected session_id=sess-1, got %v", entry["session_id"])
	}
	if entry["level"] != "info" {
		t.Errorf("expected level=info, got %v", entry["level"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["frame_id"] != "lode:a" {
		t.Errorf("expected fields.frame_id=lode:a, got %v", entry["fields"])
	}
}

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := newLoggerWithWriter("", ParseLevel("warn"), &buf)

	l.Debug("hidden", nil)
	l.Info("hidden", nil)
	l.Warn("shown", nil)

	if strings.Count(buf.String(), "\n") != 1 {
		t.Errorf("expected exactly one line, got %q", buf.String())
	}
}

func TestLogger_NilIsNoop(t *testing.T) {
	var l *Logger
	l.Debug("x", nil)
	l.Info("x", nil)
	l.Warn("x", nil)
	l.Error("x", nil)
	l.Named("c").Info("x", nil)
	l.Sugar().Infof("x %d", 1)
	if err := l.Sync(); err != nil {
		t.Errorf("nil Sync: %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug": zapcore.DebugLevel,
		"INFO":  zapcore.InfoLevel,
		"warn":  zapcore.WarnLevel,
		"error": zapcore.ErrorLevel,
		"bogus": zapcore.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
