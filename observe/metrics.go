package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jonwraymond/toolguard/authz"
)

// Metrics records authorization metrics.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: implementations must not panic.
type Metrics interface {
	// RecordProtect records one protected invocation and how it ended.
	RecordProtect(ctx context.Context, meta Meta, duration time.Duration, err error)

	// RecordCache records a credential cache lookup.
	RecordCache(ctx context.Context, meta Meta, hit bool)
}

type metricsImpl struct {
	total      metric.Int64Counter
	interrupts metric.Int64Counter
	errors     metric.Int64Counter
	cacheHits  metric.Int64Counter
	cacheMiss  metric.Int64Counter
	duration   metric.Float64Histogram
}

// NewMetrics creates the authorization instruments on meter.
func NewMetrics(meter metric.Meter) (Metrics, error) {
	m := &metricsImpl{}
	var err error
	if m.total, err = meter.Int64Counter("authz.protect.total",
		metric.WithDescription("Protected tool invocations"),
		metric.WithUnit("{call}")); err != nil {
		return nil, err
	}
	if m.interrupts, err = meter.Int64Counter("authz.protect.interrupts",
		metric.WithDescription("Invocations suspended by an authorization interrupt"),
		metric.WithUnit("{interrupt}")); err != nil {
		return nil, err
	}
	if m.errors, err = meter.Int64Counter("authz.protect.errors",
		metric.WithDescription("Invocations that failed with a fatal error"),
		metric.WithUnit("{error}")); err != nil {
		return nil, err
	}
	if m.cacheHits, err = meter.Int64Counter("authz.cache.hits",
		metric.WithDescription("Credential cache hits"),
		metric.WithUnit("{hit}")); err != nil {
		return nil, err
	}
	if m.cacheMiss, err = meter.Int64Counter("authz.cache.misses",
		metric.WithDescription("Credential cache misses"),
		metric.WithUnit("{miss}")); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram("authz.protect.duration_ms",
		metric.WithDescription("Protected invocation duration in milliseconds"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metricsImpl) RecordProtect(ctx context.Context, meta Meta, duration time.Duration, err error) {
	opt := metric.WithAttributes(meta.keyValues()...)
	m.total.Add(ctx, 1, opt)
	m.duration.Record(ctx, float64(duration.Milliseconds()), opt)

	switch o := authz.Classify[any](nil, err); o.Kind() {
	case authz.OutcomeInterrupt:
		attrs := append(meta.keyValues(), attribute.String("authz.interrupt", string(o.Interrupt.Code())))
		m.interrupts.Add(ctx, 1, metric.WithAttributes(attrs...))
	case authz.OutcomeFatal:
		m.errors.Add(ctx, 1, opt)
	}
}

func (m *metricsImpl) RecordCache(ctx context.Context, meta Meta, hit bool) {
	opt := metric.WithAttributes(meta.keyValues()...)
	if hit {
		m.cacheHits.Add(ctx, 1, opt)
		return
	}
	m.cacheMiss.Add(ctx, 1, opt)
}

// NopMetrics returns Metrics that record nothing.
func NopMetrics() Metrics {
	return noopMetrics{}
}

type noopMetrics struct{}

func (noopMetrics) RecordProtect(context.Context, Meta, time.Duration, error) {}
func (noopMetrics) RecordCache(context.Context, Meta, bool)                  {}
