// Package otelspan wraps go.opentelemetry.io/otel so the VM, process and
// container controller operations open spans the same way, instead of
// each subsystem reinventing its own tracing boilerplate. Agent RPCs and
// relay pumps open no spans.
package otelspan

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/vmrunner/containerization")

// Start begins a span named name and returns the derived context plus the
// span, mirroring the (ctx, span) pair the teacher's oc.StartSpan returns.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// SetStatus records err on span if non-nil, matching oc.SetSpanStatus's
// defer-at-function-exit usage pattern: `defer func() { otelspan.SetStatus(span, err) }()`.
func SetStatus(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
