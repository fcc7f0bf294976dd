package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by orchestrator spans.
var (
	AttrScope    = attribute.Key("taskforce.scope")
	AttrTaskID   = attribute.Key("taskforce.task.id")
	AttrAgent    = attribute.Key("taskforce.agent")
	AttrTrigger  = attribute.Key("taskforce.think.trigger")
	AttrRound    = attribute.Key("taskforce.think.round")
	AttrToolName = attribute.Key("taskforce.tool.name")
	AttrModel    = attribute.Key("taskforce.llm.model")
)

// StartSpan starts an internal span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (model, tool adapter).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndSpan records err (if any) and ends span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
