package dedup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/taskforce/internal/persistence"
)

func TestSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		min  float64
		max  float64
	}{
		{"empty", "", "anything", 0, 0},
		{"identical after folding", "Report  READY", "report ready", 1, 1},
		{"too short", "ok", "ok!", 0, 0},
		{"near duplicate", "The report is ready for review.", "The report is ready for review!", 0.7, 0.99},
		{"unrelated", "The report is ready", "Booking flights to Lisbon", 0, 0.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Similarity(tt.a, tt.b)
			if got < tt.min || got > tt.max {
				t.Fatalf("Similarity(%q, %q) = %.3f, want in [%.2f, %.2f]", tt.a, tt.b, got, tt.min, tt.max)
			}
		})
	}
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "dedup.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestChecker_SuppressesWithinWindowOnly(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	task, err := store.CreateTask(ctx, persistence.NewTask{ScopeID: "ws1", Title: "t"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	sent := time.Now()
	if err := store.InsertMessage(ctx, &persistence.Message{
		TaskID: task.ID, Sender: "agent:writer", Content: "Draft is attached.", CreatedAt: sent,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	clock := sent.Add(time.Minute)
	checker := NewChecker(store).WithClock(func() time.Time { return clock })

	dup, err := checker.IsDuplicate(ctx, task.ID, "agent:writer", "Draft is attached.", 5*time.Minute)
	if err != nil || !dup {
		t.Fatalf("expected duplicate inside window, got %v %v", dup, err)
	}
	dup, _ = checker.IsDuplicate(ctx, task.ID, "agent:editor", "Draft is attached.", 5*time.Minute)
	if dup {
		t.Fatal("another sender must not be suppressed")
	}

	clock = sent.Add(6 * time.Minute)
	dup, _ = checker.IsDuplicate(ctx, task.ID, "agent:writer", "Draft is attached.", 5*time.Minute)
	if dup {
		t.Fatal("expected no suppression after the window elapsed")
	}
}
