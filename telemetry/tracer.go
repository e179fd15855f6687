// Package telemetry adapts go.opentelemetry.io/otel into the core.Telemetry
// contract, and provides the orchestrator's structured logger.
package telemetry

import (
	"context"

	"github.com/approvalflow/orchestrator/core"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Tracer wraps an otel Tracer to satisfy core.Telemetry.
type Tracer struct {
	tracer oteltrace.Tracer
}

// NewTracer builds a Tracer for the given instrumentation name. Callers
// that don't need tracing should use core.NoOpTelemetry instead of this.
func NewTracer(name string) *Tracer {
	return &Tracer{tracer: otel.Tracer(name)}
}

// StartSpan starts a span and returns it wrapped as a core.Span.
func (t *Tracer) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	ctx, span := t.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

var _ core.Telemetry = (*Tracer)(nil)

type otelSpan struct {
	span oteltrace.Span
}

func (s *otelSpan) AddEvent(name string, attrs map[string]interface{}) {
	s.span.AddEvent(name, oteltrace.WithAttributes(toAttributes(attrs)...))
}

func (s *otelSpan) SetError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func (s *otelSpan) End() { s.span.End() }

var _ core.Span = (*otelSpan)(nil)

func toAttributes(fields map[string]interface{}) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(fields))
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			attrs = append(attrs, attribute.String(k, val))
		case int:
			attrs = append(attrs, attribute.Int(k, val))
		case int64:
			attrs = append(attrs, attribute.Int64(k, val))
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		case float64:
			attrs = append(attrs, attribute.Float64(k, val))
		default:
			attrs = append(attrs, attribute.String(k, toString(val)))
		}
	}
	return attrs
}

func toString(v interface{}) string {
	if s, ok := v.(interface{ String() string }); ok {
		return s.String()
	}
	return ""
}

// AddSpanEvent is a convenience helper for call sites that hold only a
// core.Span (or none), so instrumentation reads the same whether tracing
// is enabled or not.
func AddSpanEvent(span core.Span, name string, attrs map[string]interface{}) {
	if span == nil {
		return
	}
	span.AddEvent(name, attrs)
}
