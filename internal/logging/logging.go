// Package logging builds the slog loggers used across the queue.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/me/zoneq/pkg/model"
)

// NewLogger creates a logger writing to stderr; stdout is reserved for
// command output such as simulation reports.
//
// format is "text" (human-readable) or "json" (structured).
func NewLogger(level slog.Level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a logger writing to the given writer.
func NewLoggerWithWriter(level slog.Level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// FromStrings is NewLogger with the level given as a config string.
func FromStrings(level, format string) *slog.Logger {
	return NewLogger(ParseLevel(level), format)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l
}

// ParseLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// ZoneAttrs returns the attributes every zone-scoped log line carries.
func ZoneAttrs(qz *model.QueuedZone) []any {
	attrs := []any{"queued_zone_id", qz.ID, "zone_id", qz.Zone.ID, "attempt", len(qz.Attempts)}
	if qz.WorkerID != "" {
		attrs = append(attrs, "worker_id", qz.WorkerID)
	}
	return attrs
}

// WithZone scopes a logger to one queued zone.
func WithZone(l *slog.Logger, qz *model.QueuedZone) *slog.Logger {
	return l.With(ZoneAttrs(qz)...)
}
