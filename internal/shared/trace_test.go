package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultsToDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
	ctx = EnsureTraceID(ctx)
	id := TraceID(ctx)
	if id == "-" || id == "" {
		t.Fatalf("expected generated trace id, got %q", id)
	}
	if again := TraceID(EnsureTraceID(ctx)); again != id {
		t.Fatalf("EnsureTraceID replaced existing id: %q -> %q", id, again)
	}
}

func TestWakeHop_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := WakeHop(ctx); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	ctx = WithWakeHop(ctx, 3)
	if got := WakeHop(ctx); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
}

func TestScopeActorTask(t *testing.T) {
	ctx := WithTaskID(WithActor(WithScope(context.Background(), "ws-1"), "agent:lead"), "t-1")
	if Scope(ctx) != "ws-1" || Actor(ctx) != "agent:lead" || TaskID(ctx) != "t-1" {
		t.Fatalf("unexpected values: %q %q %q", Scope(ctx), Actor(ctx), TaskID(ctx))
	}
}
