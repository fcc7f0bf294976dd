package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the orchestrator's instruments.
type Metrics struct {
	ThinkDuration        metric.Float64Histogram
	ThinkOutcomes        metric.Int64Counter
	LLMCallDuration      metric.Float64Histogram
	LLMTokens            metric.Int64Counter
	LLMCostUSD           metric.Float64Counter
	ToolCalls            metric.Int64Counter
	ToolCallDuration     metric.Float64Histogram
	ToolCallErrors       metric.Int64Counter
	LockContention       metric.Int64Counter
	DuplicatesSuppressed metric.Int64Counter
	Delegations          metric.Int64Counter
	Notifications        metric.Int64Counter
	ParentWakes          metric.Int64Counter
	JobsInFlight         metric.Int64UpDownCounter
}

// NewMetrics creates every instrument from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.ThinkDuration, err = meter.Float64Histogram("taskforce.think.duration",
		metric.WithDescription("Think pass duration in seconds"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.ThinkOutcomes, err = meter.Int64Counter("taskforce.think.outcomes",
		metric.WithDescription("Think passes by outcome")); err != nil {
		return nil, err
	}
	if m.LLMCallDuration, err = meter.Float64Histogram("taskforce.llm.duration",
		metric.WithDescription("Completion call duration in seconds"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.LLMTokens, err = meter.Int64Counter("taskforce.llm.tokens",
		metric.WithDescription("Model tokens by direction")); err != nil {
		return nil, err
	}
	if m.LLMCostUSD, err = meter.Float64Counter("taskforce.llm.cost",
		metric.WithDescription("Estimated model spend"), metric.WithUnit("USD")); err != nil {
		return nil, err
	}
	if m.ToolCalls, err = meter.Int64Counter("taskforce.tool.calls",
		metric.WithDescription("Tool calls executed")); err != nil {
		return nil, err
	}
	if m.ToolCallDuration, err = meter.Float64Histogram("taskforce.tool.duration",
		metric.WithDescription("Tool call duration in seconds"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.ToolCallErrors, err = meter.Int64Counter("taskforce.tool.errors",
		metric.WithDescription("Tool call failures by class")); err != nil {
		return nil, err
	}
	if m.LockContention, err = meter.Int64Counter("taskforce.lock.contention",
		metric.WithDescription("Think passes skipped because the task lock was held")); err != nil {
		return nil, err
	}
	if m.DuplicatesSuppressed, err = meter.Int64Counter("taskforce.dedup.suppressed",
		metric.WithDescription("Outbound messages suppressed as near-duplicates")); err != nil {
		return nil, err
	}
	if m.Delegations, err = meter.Int64Counter("taskforce.delegations",
		metric.WithDescription("Delegations by reuse")); err != nil {
		return nil, err
	}
	if m.Notifications, err = meter.Int64Counter("taskforce.notifications",
		metric.WithDescription("Notifications created by source kind")); err != nil {
		return nil, err
	}
	if m.ParentWakes, err = meter.Int64Counter("taskforce.parent.wakes",
		metric.WithDescription("Parent wakes scheduled by child completion")); err != nil {
		return nil, err
	}
	if m.JobsInFlight, err = meter.Int64UpDownCounter("taskforce.jobs.in_flight",
		metric.WithDescription("Units of work currently running")); err != nil {
		return nil, err
	}
	return m, nil
}

// NoopMetrics returns instruments backed by a no-op meter.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(ScopeName))
	return m
}

// ObserveThink records one think pass.
func (m *Metrics) ObserveThink(ctx context.Context, started time.Time, outcome string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.ThinkDuration.Record(ctx, time.Since(started).Seconds(), attrs)
	m.ThinkOutcomes.Add(ctx, 1, attrs)
}

// ObserveTool records one tool call; class is empty on success.
func (m *Metrics) ObserveTool(ctx context.Context, tool string, started time.Time, class string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrToolName.String(tool))
	m.ToolCalls.Add(ctx, 1, attrs)
	m.ToolCallDuration.Record(ctx, time.Since(started).Seconds(), attrs)
	if class != "" {
		m.ToolCallErrors.Add(ctx, 1, metric.WithAttributes(AttrToolName.String(tool), attribute.String("class", class)))
	}
}

// Inc adds one to counter when both are non-nil.
func (m *Metrics) Inc(ctx context.Context, counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	if m == nil || counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// JobsInFlightAdd moves the in-flight unit gauge by delta.
func (m *Metrics) JobsInFlightAdd(ctx context.Context, delta int64) {
	if m == nil || m.JobsInFlight == nil {
		return
	}
	m.JobsInFlight.Add(ctx, delta)
}

// ObserveLLM records one model call.
func (m *Metrics) ObserveLLM(ctx context.Context, model string, started time.Time) {
	if m == nil || m.LLMCallDuration == nil {
		return
	}
	m.LLMCallDuration.Record(ctx, time.Since(started).Seconds(), metric.WithAttributes(AttrModel.String(model)))
}

// ObserveLLMUsage records the tokens and estimated cost of one model call.
func (m *Metrics) ObserveLLMUsage(ctx context.Context, model string, inputTokens, outputTokens int, costUSD float64) {
	if m == nil || m.LLMTokens == nil {
		return
	}
	attr := AttrModel.String(model)
	m.LLMTokens.Add(ctx, int64(inputTokens), metric.WithAttributes(attr, attribute.String("direction", "input")))
	m.LLMTokens.Add(ctx, int64(outputTokens), metric.WithAttributes(attr, attribute.String("direction", "output")))
	if costUSD > 0 && m.LLMCostUSD != nil {
		m.LLMCostUSD.Add(ctx, costUSD, metric.WithAttributes(attr))
	}
}
