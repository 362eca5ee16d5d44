// Package agentlog wires up structured logging with the console-slog
// handler this agent's teacher framework uses for human-readable
// terminal output.
package agentlog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/phsym/console-slog"
)

// New builds a slog.Logger at the given level ("debug", "info",
// "warn", "error"), writing to logDir/agent.log when logDir is
// non-empty, or to stderr otherwise.
func New(level, logDir string) (*slog.Logger, error) {
	var out *os.File = os.Stderr
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, fmt.Errorf("agentlog: create log dir %s: %w", logDir, err)
		}
		f, err := os.OpenFile(filepath.Join(logDir, "agent.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("agentlog: open log file: %w", err)
		}
		out = f
	}

	handler := console.NewHandler(out, &console.HandlerOptions{
		NoColor:    logDir != "",
		Level:      ParseLevel(level),
		TimeFormat: "2006-01-02 15:04:05.000",
	})
	return slog.New(handler), nil
}

// ParseLevel maps a case-insensitive level name to a slog.Level,
// defaulting to Info for an unrecognized name.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
