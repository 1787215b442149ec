package searchkv

import (
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with searchkv-specific context. This provides
// structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler. If handler is
// nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	}))}
}

// WithGroupKey adds a grouping-key field to the logger.
func (l *Logger) WithGroupKey(group string) *Logger {
	return &Logger{Logger: l.Logger.With("group", group)}
}

// WithPartition adds a partition id field to the logger.
func (l *Logger) WithPartition(id int32) *Logger {
	return &Logger{Logger: l.Logger.With("partition", id)}
}

// WithSegment adds a segment name field to the logger.
func (l *Logger) WithSegment(segment string) *Logger {
	return &Logger{Logger: l.Logger.With("segment", segment)}
}
