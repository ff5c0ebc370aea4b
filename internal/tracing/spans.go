package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for gateway spans.
var (
	AttrTaskID       = attribute.Key("remotewiz.task.id")
	AttrProjectAlias = attribute.Key("remotewiz.project.alias")
	AttrThreadID     = attribute.Key("remotewiz.thread.id")
	AttrAdapter      = attribute.Key("remotewiz.adapter")
	AttrWorkerPID    = attribute.Key("remotewiz.worker.pid")
	AttrApprovalID   = attribute.Key("remotewiz.approval.id")
)

// StartSpan starts an internal span covering engine-local work (dequeue,
// state transition, checkpoint handling).
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for the outbound call to the agent CLI
// subprocess.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// StartServerSpan starts a span for an inbound adapter request (a new
// enqueue or approval decision arriving over an adapter's transport).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
