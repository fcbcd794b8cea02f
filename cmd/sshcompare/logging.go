package main

import (
	"io"
	"log/slog"
	"strings"
)

// EnvLogLevel overrides the configured log level.
const EnvLogLevel = "SSHCOMPARE_LOG_LEVEL"

// newLogger returns a text logger on w whose level can be changed after
// the config file is read.
func newLogger(w io.Writer, level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

func parseLevel(raw string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}
