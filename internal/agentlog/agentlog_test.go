package agentlog

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"DEBUG": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"bogus": slog.LevelInfo,
	}
	for input, want := range cases {
		if got := ParseLevel(input); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestNewWritesToStderrByDefault(t *testing.T) {
	logger, err := New("info", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if logger == nil {
		t.Fatal("logger must not be nil")
	}
}

func TestNewCreatesLogFileInDir(t *testing.T) {
	dir := t.TempDir()
	logger, err := New("debug", dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("hello")

	if _, err := os.Stat(filepath.Join(dir, "agent.log")); err != nil {
		t.Fatalf("expected agent.log to be created: %v", err)
	}
}
