// Package logging provides structured, leveled logging for the runtime.
package logging

import (
	"context"
	"log/slog"
	"os"
	"sync"
)

// Logger wraps an slog.Logger with the level-gated call shape the rest of
// the runtime calls into.
type Logger struct {
	slog *slog.Logger
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// Config holds logging configuration.
type Config struct {
	Level  slog.Level
	Output *os.File
}

// DefaultConfig returns a sensible default configuration: info level,
// stderr, text-formatted.
func DefaultConfig() *Config {
	return &Config{
		Level:  slog.LevelInfo,
		Output: os.Stderr,
	}
}

// NewLogger creates a new logger from config, or DefaultConfig() if nil.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	handler := slog.NewTextHandler(output, &slog.HandlerOptions{Level: config.Level})
	return &Logger{slog: slog.New(handler)}
}

// Default returns the process-wide default logger, creating it if necessary.
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault replaces the process-wide default logger.
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.slog.DebugContext(ctx, msg, args...)
}

func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.slog.InfoContext(ctx, msg, args...)
}

func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.slog.WarnContext(ctx, msg, args...)
}

func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.slog.ErrorContext(ctx, msg, args...)
}

// With returns a Logger that always attaches the given key/value pairs,
// e.g. logging.Default().With("device_id", 0, "queue_id", 2).
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slog: l.slog.With(args...)}
}

// Global convenience functions, mirroring the methods above against the
// default logger.
func Debug(ctx context.Context, msg string, args ...any) { Default().Debug(ctx, msg, args...) }
func Info(ctx context.Context, msg string, args ...any)  { Default().Info(ctx, msg, args...) }
func Warn(ctx context.Context, msg string, args ...any)  { Default().Warn(ctx, msg, args...) }
func Error(ctx context.Context, msg string, args ...any) { Default().Error(ctx, msg, args...) }
