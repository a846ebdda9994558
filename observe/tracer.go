package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/jonwraymond/toolguard/authz"
)

// Meta describes a protected invocation for telemetry purposes.
type Meta struct {
	Authorizer string // ciba | federated | fga (required)
	Tool       string // tool name (optional)
	Connection string // federated connection (optional)
	Mode       string // ciba mode (optional)
}

// SpanName returns the deterministic span name: authz.<authorizer>.protect.
func (m Meta) SpanName() string {
	return "authz." + m.Authorizer + ".protect"
}

func (m Meta) attributes() map[string]any {
	attrs := map[string]any{"authz.authorizer": m.Authorizer}
	if m.Tool != "" {
		attrs["authz.tool"] = m.Tool
	}
	if m.Connection != "" {
		attrs["authz.connection"] = m.Connection
	}
	if m.Mode != "" {
		attrs["authz.mode"] = m.Mode
	}
	return attrs
}

func (m Meta) keyValues() []attribute.KeyValue {
	kv := []attribute.KeyValue{attribute.String("authz.authorizer", m.Authorizer)}
	if m.Tool != "" {
		kv = append(kv, attribute.String("authz.tool", m.Tool))
	}
	if m.Connection != "" {
		kv = append(kv, attribute.String("authz.connection", m.Connection))
	}
	if m.Mode != "" {
		kv = append(kv, attribute.String("authz.mode", m.Mode))
	}
	return kv
}

// Tracer manages spans around protected invocations.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: EndSpan must be best-effort and must not panic.
type Tracer interface {
	StartSpan(ctx context.Context, meta Meta) (context.Context, trace.Span)

	// EndSpan ends the span. Interrupts are recorded as an attribute and
	// leave the span status unset; other errors mark the span failed.
	EndSpan(span trace.Span, err error)
}

type tracerImpl struct {
	tracer trace.Tracer
}

// NewTracer wraps an OpenTelemetry tracer.
func NewTracer(t trace.Tracer) Tracer {
	if t == nil {
		t = tracenoop.NewTracerProvider().Tracer("noop")
	}
	return &tracerImpl{tracer: t}
}

func (t *tracerImpl) StartSpan(ctx context.Context, meta Meta) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, meta.SpanName(),
		trace.WithAttributes(meta.keyValues()...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (t *tracerImpl) EndSpan(span trace.Span, err error) {
	switch o := authz.Classify[any](nil, err); o.Kind() {
	case authz.OutcomeInterrupt:
		span.SetAttributes(
			attribute.String("authz.outcome", o.Kind().String()),
			attribute.String("authz.interrupt", string(o.Interrupt.Code())),
		)
	case authz.OutcomeFatal:
		span.SetAttributes(attribute.String("authz.outcome", o.Kind().String()))
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	default:
		span.SetAttributes(attribute.String("authz.outcome", o.Kind().String()))
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
