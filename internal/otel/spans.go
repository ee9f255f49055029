package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for finch spans.
var (
	AttrTaskID    = attribute.Key("finch.task.id")
	AttrProjectID = attribute.Key("finch.project.id")
	AttrIntent    = attribute.Key("finch.ask.intent")
	AttrState     = attribute.Key("finch.ask.state")
	AttrAttempt   = attribute.Key("finch.sql.attempt")
	AttrIndex     = attribute.Key("finch.retrieval.index")
	AttrModel     = attribute.Key("finch.llm.model")
	AttrCacheHit  = attribute.Key("finch.cache.hit")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound gateway request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound capability call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
