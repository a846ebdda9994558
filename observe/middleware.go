package observe

import (
	"context"
	"time"

	"github.com/jonwraymond/toolguard/authz"
)

// Middleware bundles the tracer, metrics and logger used around protected
// invocations. The zero value and a nil *Middleware are valid no-ops.
//
// Contract:
//   - Concurrency: safe for concurrent use.
//   - Errors: errors from the wrapped function are recorded and propagated unchanged.
type Middleware struct {
	tracer  Tracer
	metrics Metrics
	logger  Logger
}

// NewMiddleware creates a Middleware. Nil components are replaced by no-ops.
func NewMiddleware(tracer Tracer, metrics Metrics, logger Logger) *Middleware {
	return &Middleware{tracer: tracer, metrics: metrics, logger: logger}
}

// MiddlewareFromObserver creates a Middleware from an Observer.
func MiddlewareFromObserver(obs Observer) (*Middleware, error) {
	metrics, err := NewMetrics(obs.Meter())
	if err != nil {
		return nil, err
	}
	return NewMiddleware(NewTracer(obs.Tracer()), metrics, obs.Logger()), nil
}

// Logger returns the middleware's logger.
func (m *Middleware) Logger() Logger {
	if m == nil || m.logger == nil {
		return NopLogger()
	}
	return m.logger
}

// Metrics returns the middleware's metrics.
func (m *Middleware) Metrics() Metrics {
	if m == nil || m.metrics == nil {
		return NopMetrics()
	}
	return m.metrics
}

func (m *Middleware) tracerOrNoop() Tracer {
	if m == nil || m.tracer == nil {
		return NewTracer(nil)
	}
	return m.tracer
}

// Instrument wraps fn with a span, protect metrics and one log entry per
// invocation. Interrupts are logged at info level, fatal errors at error.
func Instrument[A any](m *Middleware, meta Meta, fn authz.ExecuteFunc[A]) authz.ExecuteFunc[A] {
	return func(ctx context.Context, args A) (any, error) {
		tracer := m.tracerOrNoop()
		ctx, span := tracer.StartSpan(ctx, meta)
		start := time.Now()

		result, err := fn(ctx, args)

		duration := time.Since(start)
		tracer.EndSpan(span, err)
		m.Metrics().RecordProtect(ctx, meta, duration, err)

		log := m.Logger().With(meta)
		fields := []Field{F("duration_ms", float64(duration.Milliseconds()))}
		switch o := authz.Classify(result, err); o.Kind() {
		case authz.OutcomeInterrupt:
			fields = append(fields, F("interrupt", string(o.Interrupt.Code())))
			log.Info(ctx, "invocation interrupted", fields...)
		case authz.OutcomeFatal:
			fields = append(fields, F("error", err))
			log.Error(ctx, "invocation failed", fields...)
		default:
			log.Debug(ctx, "invocation completed", fields...)
		}
		return result, err
	}
}
