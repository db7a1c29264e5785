package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps a LOG_LEVEL style name to a level. Unknown names give
// the production default, errors only.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "dev", "development", "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// New builds a text logger writing to w.
func New(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Init installs the default logger on stderr. An empty level falls back to
// the LOG_LEVEL environment variable.
func Init(level string) *slog.Logger {
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	logger := New(os.Stderr, ParseLevel(level))
	slog.SetDefault(logger)
	return logger
}
