// Package log builds the gateway's structured loggers.
package log

import (
	"log/slog"
	"os"
)

// New creates a [slog.Logger] writing text records to stdout at the given
// level (one of "debug", "info", "warn", "error"; defaults to info).
// Debug mode forces the debug level and annotates every record with its
// source location, matching what the error pages expose in that mode.
func New(level string, debug bool) *slog.Logger {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	if debug {
		lvl = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: debug,
	}))
}

// ForComponent tags a child logger with the gateway component it serves
// (directory, server, pprof, ...) so interleaved records stay attributable.
func ForComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With("component", component)
}
