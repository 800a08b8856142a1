// Package logging builds the process logger
package logging

import (
	"io"
	"log/slog"
	"os"
)

// New creates a structured logger writing to stdout, or to stderr when
// running under systemd
func New(level, format, component string) *slog.Logger {
	var output io.Writer = os.Stdout
	if isSystemd() {
		output = os.Stderr
	}
	return NewWithWriter(output, level, format, component)
}

// NewWithWriter creates a structured logger writing to w
func NewWithWriter(w io.Writer, level, format, component string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(level)}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler).With(
		"service", "netsentry",
		"process", component,
	)
}

// parseLogLevel parses log level string
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// isSystemd checks if running under systemd
func isSystemd() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("NOTIFY_SOCKET") != ""
}
