package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/taskforce/internal/shared"
)

func lastEntry(t *testing.T, home string) map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("unmarshal log json: %v", err)
	}
	return entry
}

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(Options{HomeDir: home, Level: "debug", Quiet: true})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("think completed", "task_id", "task-1", "rounds", 2)

	entry := lastEntry(t, home)
	for _, key := range []string{"timestamp", "level", "msg", "component", "trace_id"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing key %q in %#v", key, entry)
		}
	}
	if entry["component"] != "orchestrator" {
		t.Fatalf("component = %#v", entry["component"])
	}
	if entry["task_id"] != "task-1" {
		t.Fatalf("task_id = %#v", entry["task_id"])
	}
}

func TestNewLogger_RedactsSensitiveFields(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(Options{HomeDir: home, Level: "info", Quiet: true})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("adapter configured", "telegram_token", "123456789:abcdef", "detail", "header Bearer abcdefghijklmnopqrstu")
	entry := lastEntry(t, home)
	if entry["telegram_token"] != "[REDACTED]" {
		t.Fatalf("telegram_token = %#v", entry["telegram_token"])
	}
	if strings.Contains(entry["detail"].(string), "abcdefghijklmnopqrstu") {
		t.Fatalf("bearer token leaked: %#v", entry["detail"])
	}
}

func TestNewLogger_ConsoleCopyUnlessQuiet(t *testing.T) {
	home := t.TempDir()
	var buf bytes.Buffer
	logger, closer, err := NewLogger(Options{HomeDir: home, Stdout: &buf})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()
	logger.Info("hello")
	if !strings.Contains(buf.String(), `"msg":"hello"`) {
		t.Fatalf("expected console copy, got %q", buf.String())
	}
}

func TestWithTraceAddsIDs(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))
	ctx := shared.WithTaskID(shared.WithTraceID(context.Background(), "tr-9"), "task-9")
	WithTrace(ctx, base).Info("x")
	out := buf.String()
	if !strings.Contains(out, `"trace_id":"tr-9"`) || !strings.Contains(out, `"task_id":"task-9"`) {
		t.Fatalf("missing ids in %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"debug": slog.LevelDebug, "WARN": slog.LevelWarn, "error": slog.LevelError, "": slog.LevelInfo, "bogus": slog.LevelInfo}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
