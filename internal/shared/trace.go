package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type scopeKey struct{}
type actorKey struct{}
type taskIDKey struct{}
type runIDKey struct{}
type wakeHopKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// EnsureTraceID returns ctx unchanged when it already carries a trace_id,
// otherwise a child context with a fresh one.
func EnsureTraceID(ctx context.Context) context.Context {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return ctx
	}
	return WithTraceID(ctx, NewTraceID())
}

// WithScope attaches the workspace scope id.
func WithScope(ctx context.Context, scope string) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope)
}

// Scope extracts the workspace scope id. Returns "" if absent.
func Scope(ctx context.Context) string {
	if v, ok := ctx.Value(scopeKey{}).(string); ok {
		return v
	}
	return ""
}

// WithActor attaches the acting session identity.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// Actor extracts the acting session identity. Returns "" if absent.
func Actor(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok {
		return v
	}
	return ""
}

// WithTaskID attaches a task_id to the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskID extracts task_id from context. Returns "" if absent.
func TaskID(ctx context.Context) string {
	if v, ok := ctx.Value(taskIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithRunID attaches a run_id (one think invocation) to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunID extracts run_id from context. Returns "" if absent.
func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithWakeHop attaches the nesting depth of the wake that led here.
func WithWakeHop(ctx context.Context, hop int) context.Context {
	return context.WithValue(ctx, wakeHopKey{}, hop)
}

// WakeHop extracts the wake hop count (0 if absent).
func WakeHop(ctx context.Context) int {
	if v, ok := ctx.Value(wakeHopKey{}).(int); ok {
		return v
	}
	return 0
}

// SystemActor is the identity used for transitions made by the core itself.
const SystemActor = "system"
