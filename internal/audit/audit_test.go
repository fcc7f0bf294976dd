package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/taskforce/internal/shared"
)

func readLines(t *testing.T, home string) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	var out []map[string]any
	for i, l := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		var m map[string]any
		if err := json.Unmarshal([]byte(l), &m); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", i, err)
		}
		out = append(out, m)
	}
	return out
}

func TestRecordWritesEntryWithTraceAndActor(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	ctx := shared.WithActor(shared.WithTraceID(context.Background(), "trace-1"), "agent:lead")
	Record(ctx, Entry{Decision: Info, Action: "task.transition", Subject: "task-1", Reason: "assigned -> review"})
	Record(ctx, Entry{Decision: Deny, Action: "tools.post_to_x", Subject: "agent:vision", Reason: "not in allow-list"})

	lines := readLines(t, home)
	if len(lines) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(lines))
	}
	first := lines[0]
	if first["trace_id"] != "trace-1" {
		t.Fatalf("trace_id = %v", first["trace_id"])
	}
	if first["actor"] != "agent:lead" {
		t.Fatalf("actor = %v", first["actor"])
	}
	if first["action"] != "task.transition" {
		t.Fatalf("action = %v", first["action"])
	}
	if lines[1]["decision"] != Deny {
		t.Fatalf("decision = %v", lines[1]["decision"])
	}
}

func TestRecordRedactsSecrets(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record(context.Background(), Entry{Decision: Info, Action: "adapter.call", Reason: "failed with Bearer abcdefghijklmnop1234"})
	lines := readLines(t, home)
	if strings.Contains(lines[0]["reason"].(string), "abcdefghijklmnop1234") {
		t.Fatalf("secret leaked into audit reason: %v", lines[0]["reason"])
	}
}

func TestAuditAppendOnly(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	before := DenyCount()
	Record(context.Background(), Entry{Decision: Allow, Action: "op1"})
	Record(context.Background(), Entry{Decision: Deny, Action: "op2"})
	path := filepath.Join(home, "logs", "audit.jsonl")
	info1, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	Record(context.Background(), Entry{Decision: Allow, Action: "op3"})
	info2, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info2.Size() <= info1.Size() {
		t.Fatalf("expected file to grow, before=%d after=%d", info1.Size(), info2.Size())
	}
	if got := DenyCount() - before; got != 1 {
		t.Fatalf("deny count delta = %d, want 1", got)
	}
	if got := len(readLines(t, home)); got != 3 {
		t.Fatalf("expected 3 lines, got %d", got)
	}
}
