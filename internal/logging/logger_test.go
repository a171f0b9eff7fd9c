package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLevelParsing(t *testing.T) {
	cases := []struct {
		level string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"bogus", zapcore.InfoLevel},
		{"", zapcore.InfoLevel},
	}
	for _, tc := range cases {
		logger, err := New(tc.level)
		if err != nil {
			t.Fatalf("level %q: %v", tc.level, err)
		}
		if got := logger.Core().Enabled(tc.want); !got {
			t.Errorf("level %q: expected %v to be enabled", tc.level, tc.want)
		}
		if tc.want > zapcore.DebugLevel && logger.Core().Enabled(tc.want-1) {
			t.Errorf("level %q: expected %v to be disabled", tc.level, tc.want-1)
		}
	}
}

func TestNewWithOptionsFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")
	logger, err := NewWithOptions(Options{Level: "info", File: path})
	if err != nil {
		t.Fatal(err)
	}

	logger.Info("listener started", zap.String("adapter", "udp-main"))
	logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	line := string(data)
	if !strings.Contains(line, "listener started") || !strings.Contains(line, `"adapter":"udp-main"`) {
		t.Errorf("unexpected log line %q", line)
	}
	if !strings.Contains(line, `"timestamp"`) {
		t.Errorf("expected ISO8601 timestamp key, got %q", line)
	}
}

func TestSetGlobal(t *testing.T) {
	prev := Global()
	defer SetGlobal(prev)

	replacement := zap.NewNop()
	SetGlobal(replacement)
	if Global() != replacement {
		t.Error("expected global logger to be replaced")
	}
}
