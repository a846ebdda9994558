package observe

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/jonwraymond/toolguard/observe/exporters"
)

// Config holds all configuration for the Observer.
type Config struct {
	ServiceName string        `yaml:"service_name" envconfig:"SERVICE_NAME"`
	Version     string        `yaml:"version" envconfig:"SERVICE_VERSION"`
	Tracing     TracingConfig `yaml:"tracing"`
	Metrics     MetricsConfig `yaml:"metrics"`
	Logging     LoggingConfig `yaml:"logging"`
}

// TracingConfig configures the tracing subsystem.
type TracingConfig struct {
	Enabled   bool    `yaml:"enabled" envconfig:"TRACING_ENABLED"`
	Exporter  string  `yaml:"exporter" envconfig:"TRACING_EXPORTER"` // otlp|jaeger|stdout|none
	SamplePct float64 `yaml:"sample_pct" envconfig:"TRACING_SAMPLE_PCT"`

	// Endpoint overrides the OTEL_EXPORTER_* collector address.
	Endpoint string `yaml:"endpoint" envconfig:"TRACING_ENDPOINT"`
	Insecure bool   `yaml:"insecure" envconfig:"TRACING_INSECURE"`
}

// MetricsConfig configures the metrics subsystem.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled" envconfig:"METRICS_ENABLED"`
	Exporter string        `yaml:"exporter" envconfig:"METRICS_EXPORTER"` // otlp|prometheus|stdout|none
	Endpoint string        `yaml:"endpoint" envconfig:"METRICS_ENDPOINT"`
	Insecure bool          `yaml:"insecure" envconfig:"METRICS_INSECURE"`
	Interval time.Duration `yaml:"interval" envconfig:"METRICS_INTERVAL"`
}

// LoggingConfig configures the logging subsystem.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled" envconfig:"LOG_ENABLED"`
	Level   string `yaml:"level" envconfig:"LOG_LEVEL"` // debug|info|warn|error
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return ErrMissingServiceName
	}
	if c.Tracing.Enabled {
		if !slices.Contains(ValidTracingExporters, c.Tracing.Exporter) {
			return fmt.Errorf("%w: %q", ErrInvalidTracingExporter, c.Tracing.Exporter)
		}
		if c.Tracing.SamplePct < MinSamplePct || c.Tracing.SamplePct > MaxSamplePct {
			return fmt.Errorf("%w, got: %f", ErrInvalidSamplePct, c.Tracing.SamplePct)
		}
	}
	if c.Metrics.Enabled && !slices.Contains(ValidMetricsExporters, c.Metrics.Exporter) {
		return fmt.Errorf("%w: %q", ErrInvalidMetricsExporter, c.Metrics.Exporter)
	}
	if c.Logging.Enabled && !slices.Contains(ValidLogLevels, c.Logging.Level) {
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Logging.Level)
	}
	return nil
}

// Observer provides access to telemetry primitives.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: Shutdown must honor cancellation/deadlines.
// - Errors: Shutdown should be idempotent and return the first error encountered.
type Observer interface {
	Tracer() trace.Tracer
	Meter() metric.Meter
	Logger() Logger

	// Shutdown flushes and stops all telemetry providers.
	Shutdown(ctx context.Context) error
}

// Logger is a minimal structured logging interface.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: logging must be best-effort and must not panic.
type Logger interface {
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)
	Debug(ctx context.Context, msg string, fields ...Field)

	// With returns a logger that adds the fields of meta to every entry.
	With(meta Meta) Logger
}

// Field represents a structured log field.
type Field struct {
	Key   string
	Value any
}

// F is shorthand for a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

type observer struct {
	tracer         trace.Tracer
	meter          metric.Meter
	logger         Logger
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
}

// NewObserver creates an Observer from cfg. Disabled subsystems are no-ops.
func NewObserver(ctx context.Context, cfg Config) (Observer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observe: create resource: %w", err)
	}

	obs := &observer{
		tracer: tracenoop.NewTracerProvider().Tracer("noop"),
		meter:  noop.NewMeterProvider().Meter("noop"),
		logger: NopLogger(),
	}

	if cfg.Tracing.Enabled {
		if obs.tracerProvider, err = setupTracing(ctx, cfg, res); err != nil {
			return nil, fmt.Errorf("observe: setup tracing: %w", err)
		}
		obs.tracer = obs.tracerProvider.Tracer(cfg.ServiceName)
	}
	if cfg.Metrics.Enabled {
		if obs.meterProvider, err = setupMetrics(ctx, cfg, res); err != nil {
			return nil, fmt.Errorf("observe: setup metrics: %w", err)
		}
		obs.meter = obs.meterProvider.Meter(cfg.ServiceName)
	}
	if cfg.Logging.Enabled {
		obs.logger = NewLogger(cfg.Logging.Level)
	}
	return obs, nil
}

func setupTracing(ctx context.Context, cfg Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	exporter, err := exporters.NewTracingExporter(ctx, cfg.Tracing.Exporter, exporters.Options{
		Endpoint: cfg.Tracing.Endpoint,
		Insecure: cfg.Tracing.Insecure,
	})
	if err != nil {
		return nil, err
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.Tracing.SamplePct >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.Tracing.SamplePct <= 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.Tracing.SamplePct)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp, nil
}

func setupMetrics(ctx context.Context, cfg Config, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	reader, err := exporters.NewMetricsReader(ctx, cfg.Metrics.Exporter, exporters.Options{
		Endpoint: cfg.Metrics.Endpoint,
		Insecure: cfg.Metrics.Insecure,
		Interval: cfg.Metrics.Interval,
	})
	if err != nil {
		return nil, err
	}
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if reader != nil {
		opts = append(opts, sdkmetric.WithReader(reader))
	}
	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)
	return mp, nil
}

func (o *observer) Tracer() trace.Tracer { return o.tracer }
func (o *observer) Meter() metric.Meter  { return o.meter }
func (o *observer) Logger() Logger       { return o.logger }

func (o *observer) Shutdown(ctx context.Context) error {
	var errs []error
	if o.tracerProvider != nil {
		if err := o.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
		}
	}
	if o.meterProvider != nil {
		if err := o.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger {
	return noopLogger{}
}

type noopLogger struct{}

func (noopLogger) Info(context.Context, string, ...Field)  {}
func (noopLogger) Warn(context.Context, string, ...Field)  {}
func (noopLogger) Error(context.Context, string, ...Field) {}
func (noopLogger) Debug(context.Context, string, ...Field) {}
func (l noopLogger) With(Meta) Logger                      { return l }
