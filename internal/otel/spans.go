package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for crownd spans and metrics.
var (
	AttrTaskID     = attribute.Key("crown.task.id")
	AttrRunID      = attribute.Key("crown.run.id")
	AttrJobID      = attribute.Key("crown.job.id")
	AttrMode       = attribute.Key("crown.mode")
	AttrCandidates = attribute.Key("crown.candidates")
	AttrHarness    = attribute.Key("crown.harness")
	AttrProvider   = attribute.Key("crown.model.provider")
	AttrModel      = attribute.Key("crown.model.name")
	AttrPurpose    = attribute.Key("crown.model.purpose")
	AttrOutcome    = attribute.Key("crown.outcome")
	AttrTrigger    = attribute.Key("crown.trigger")
	AttrSweep      = attribute.Key("crown.sweep")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (model API, Docker, compare API).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// RecordError marks span as failed when err is non-nil.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
