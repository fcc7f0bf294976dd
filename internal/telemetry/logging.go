// Package telemetry builds the structured JSON logger shared by every
// component.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/taskforce/internal/shared"
)

// Options controls logger construction.
type Options struct {
	HomeDir string
	Level   string
	// Quiet keeps output in the log file only.
	Quiet bool
	// Stdout overrides os.Stdout for the console copy.
	Stdout io.Writer
}

// NewLogger returns a JSON slog.Logger writing to <HomeDir>/logs/system.jsonl
// (and stdout unless Quiet). The closer releases the log file.
func NewLogger(opts Options) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(opts.HomeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, "system.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = file
	if !opts.Quiet {
		stdout := opts.Stdout
		if stdout == nil {
			stdout = os.Stdout
		}
		w = io.MultiWriter(stdout, file)
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       ParseLevel(opts.Level),
		ReplaceAttr: replaceAttr,
	})
	return slog.New(handler).With("component", "orchestrator", "trace_id", "-"), file, nil
}

// WithTrace returns logger annotated with the context's trace and task ids.
func WithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"trace_id", shared.TraceID(ctx)}
	if id := shared.TaskID(ctx); id != "" {
		attrs = append(attrs, "task_id", id)
	}
	return logger.With(attrs...)
}

// Component returns logger tagged with a component name.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", name)
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
		return a
	}
	if shared.IsSensitiveKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		v := a.Value.String()
		if strings.Contains(strings.ToLower(v), "authorization:") {
			return slog.String(a.Key, "[REDACTED]")
		}
		if redacted := shared.Redact(v); redacted != v {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

// ParseLevel maps a config string onto a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
