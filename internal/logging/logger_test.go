package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func captureOutput(t *testing.T, fn func(output *os.File)) string {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	fn(w)
	w.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return string(out)
}

func TestNewLoggerDefaultConfig(t *testing.T) {
	logger := NewLogger(nil)
	if logger == nil {
		t.Fatal("NewLogger(nil) returned nil")
	}
}

func TestLoggerRespectsLevel(t *testing.T) {
	output := captureOutput(t, func(w *os.File) {
		logger := NewLogger(&Config{Level: slog.LevelInfo, Output: w})
		logger.Debug(context.Background(), "debug message")
		logger.Info(context.Background(), "info message")
	})

	if strings.Contains(output, "debug message") {
		t.Errorf("expected debug message to be filtered out at info level, got: %s", output)
	}
	if !strings.Contains(output, "info message") {
		t.Errorf("expected info message in output, got: %s", output)
	}
}

func TestLoggerWithAttachesFields(t *testing.T) {
	output := captureOutput(t, func(w *os.File) {
		logger := NewLogger(&Config{Level: slog.LevelDebug, Output: w})
		deviceLogger := logger.With("device_id", 42)
		deviceLogger.Info(context.Background(), "test message")

		queueLogger := deviceLogger.With("queue_id", 1)
		queueLogger.Info(context.Background(), "queue message")
	})

	if !strings.Contains(output, "device_id=42") {
		t.Errorf("expected device_id=42 in output, got: %s", output)
	}
	if !strings.Contains(output, "queue_id=1") {
		t.Errorf("expected queue_id=1 in output, got: %s", output)
	}
}

func TestLoggerErrorIncludesArgs(t *testing.T) {
	output := captureOutput(t, func(w *os.File) {
		logger := NewLogger(&Config{Level: slog.LevelDebug, Output: w})
		logger.Error(context.Background(), "operation failed", "err", "test error")
	})

	if !strings.Contains(output, "operation failed") {
		t.Errorf("expected 'operation failed' in output, got: %s", output)
	}
	if !strings.Contains(output, "test error") {
		t.Errorf("expected 'test error' in output, got: %s", output)
	}
}

func TestGlobalLoggerFunctions(t *testing.T) {
	prior := Default()
	defer SetDefault(prior)

	output := captureOutput(t, func(w *os.File) {
		SetDefault(NewLogger(&Config{Level: slog.LevelDebug, Output: w}))

		ctx := context.Background()
		Debug(ctx, "debug message", "key", "value")
		Info(ctx, "info message")
		Warn(ctx, "warning message")
		Error(ctx, "error message")
	})

	for _, want := range []string{"debug message", "key=value", "info message", "warning message", "error message"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestDefaultReturnsSameInstance(t *testing.T) {
	prior := Default()
	defer SetDefault(prior)

	SetDefault(nil)
	a := Default()
	b := Default()
	if a != b {
		t.Error("Default() should return the same instance across calls")
	}
}
