package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by tick, task and oracle spans.
var (
	AttrTickID     = attribute.Key("lifeline.tick.id")
	AttrTaskName   = attribute.Key("lifeline.task.name")
	AttrTier       = attribute.Key("lifeline.survival.tier")
	AttrBalance    = attribute.Key("lifeline.balance")
	AttrShouldWake = attribute.Key("lifeline.should_wake")
	AttrAttempt    = attribute.Key("lifeline.task.attempt")
	AttrOracle     = attribute.Key("lifeline.oracle")
)

// StartSpan starts an internal span (tick or task execution).
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...), trace.WithSpanKind(trace.SpanKindInternal))
}

// StartServerSpan starts a span for an inbound operator request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...), trace.WithSpanKind(trace.SpanKindServer))
}

// StartClientSpan starts a span for an outbound call such as a balance oracle fetch.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...), trace.WithSpanKind(trace.SpanKindClient))
}

// FailSpan records err on span and marks it failed with desc.
func FailSpan(span trace.Span, err error, desc string) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, desc)
}
