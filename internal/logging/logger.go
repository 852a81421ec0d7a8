// Package logging wraps log/slog so every subsystem takes a *Logger at
// construction instead of reaching for a global logger.
package logging

import (
	"log/slog"
	"os"
)

// Logger wraps slog for structured logging.
type Logger struct {
	*slog.Logger
}

// New creates a Logger that outputs JSON in service mode or human-readable
// text in interactive (configure) mode.
func New(jsonMode bool) *Logger {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	if jsonMode {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return &Logger{slog.New(handler)}
}

// Component returns a child logger tagged with a "component" attribute, so
// log lines from the orchestrator, the update engine, etc. can be filtered
// without each subsystem formatting its own prefix.
func (l *Logger) Component(name string) *Logger {
	return &Logger{l.Logger.With("component", name)}
}
