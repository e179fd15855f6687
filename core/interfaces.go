package core

import (
	"context"
	"time"
)

// Logger is the structured logging contract every package depends on.
// Fields carry structured context (workflow_id, approval_id, event_type,
// ...); implementations decide how to render them.
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
}

// ComponentAwareLogger lets a package tag its log lines with a stable
// component name without threading it through every call site.
type ComponentAwareLogger interface {
	Logger
	WithComponent(name string) Logger
}

// NoOpLogger discards everything. It is the safe zero-value default for
// constructors that take a Logger option.
type NoOpLogger struct{}

func (NoOpLogger) Debug(string, map[string]interface{}) {}
func (NoOpLogger) Info(string, map[string]interface{})  {}
func (NoOpLogger) Warn(string, map[string]interface{})  {}
func (NoOpLogger) Error(string, map[string]interface{}) {}

// WithComponent on NoOpLogger just returns itself; there is nothing to tag.
func (n NoOpLogger) WithComponent(string) Logger { return n }

var (
	_ Logger              = NoOpLogger{}
	_ ComponentAwareLogger = NoOpLogger{}
)

// Span represents one unit of traced work. Implementations from the
// telemetry package wrap go.opentelemetry.io/otel spans; NoOpSpan is the
// default when tracing is disabled.
type Span interface {
	AddEvent(name string, attrs map[string]interface{})
	SetError(err error)
	End()
}

// NoOpSpan implements Span as a discard target.
type NoOpSpan struct{}

func (NoOpSpan) AddEvent(string, map[string]interface{}) {}
func (NoOpSpan) SetError(error)                          {}
func (NoOpSpan) End()                                    {}

var _ Span = NoOpSpan{}

// Telemetry is the tracing entry point injected into engines/services.
// StartSpan returns a derived context carrying the span plus the span
// itself so callers can add events and must End() it.
type Telemetry interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
}

// NoOpTelemetry is the default Telemetry: every span is a NoOpSpan.
type NoOpTelemetry struct{}

func (NoOpTelemetry) StartSpan(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, NoOpSpan{}
}

var _ Telemetry = NoOpTelemetry{}

// Clock abstracts time.Now so timeout/expiry logic is deterministic under
// test without a real scheduler.
type Clock interface {
	Now() time.Time
}
