package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"INFO", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"bogus", zapcore.InfoLevel},
		{"", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewWithOptionsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	log := NewWithOptions(Options{Name: "test", Level: "debug", Format: "json", File: path})
	log.Infow("peer open", "peer", "a.example")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"peer":"a.example"`) {
		t.Errorf("log file missing field, got %s", data)
	}
}

func TestOrAndWith(t *testing.T) {
	if Or(nil) == nil {
		t.Fatal("Or(nil) returned nil")
	}
	l := New("test", "error")
	if Or(l) != l {
		t.Error("Or should return the given logger")
	}
	if With(l, "k", "v") == nil {
		t.Error("With returned nil")
	}
}
