// Package exporters builds the OpenTelemetry exporters named in observe
// configuration.
package exporters

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var (
	ErrUnknownExporter       = errors.New("exporters: unknown exporter")
	ErrEndpointNotConfigured = errors.New("exporters: endpoint not configured")
)

// Options tune the exporters. The zero value uses the OTEL_EXPORTER_*
// environment and the SDK defaults.
type Options struct {
	// Endpoint is the collector, as host:port or a URL. It takes
	// precedence over the environment.
	Endpoint string

	// Insecure disables TLS to the collector.
	Insecure bool

	// Interval is the metric export period.
	Interval time.Duration

	// Writer receives stdout exports. Default: os.Stdout
	Writer io.Writer

	// Registerer receives the prometheus collector. Default: the
	// prometheus default registerer.
	Registerer promclient.Registerer
}

func (o Options) writer() io.Writer {
	if o.Writer == nil {
		return os.Stdout
	}
	return o.Writer
}

// endpoint returns o.Endpoint, or the first non-empty variable of names.
func (o Options) endpoint(names ...string) string {
	if o.Endpoint != "" {
		return o.Endpoint
	}
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}

func isURL(endpoint string) bool {
	return strings.Contains(endpoint, "://")
}

func (o Options) traceOptions(endpoint string) []otlptracegrpc.Option {
	var opts []otlptracegrpc.Option
	switch {
	case endpoint == "":
	case isURL(endpoint):
		opts = append(opts, otlptracegrpc.WithEndpointURL(endpoint))
	default:
		opts = append(opts, otlptracegrpc.WithEndpoint(endpoint))
	}
	if o.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return opts
}

// NewTracingExporter returns the span exporter called name: stdout, otlp,
// jaeger or none. Jaeger is reached over OTLP.
func NewTracingExporter(ctx context.Context, name string, o Options) (sdktrace.SpanExporter, error) {
	switch name {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithWriter(o.writer()))
	case "otlp":
		if o.endpoint("OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_TRACES_ENDPOINT") == "" {
			return nil, fmt.Errorf("%w: set the tracing endpoint or OTEL_EXPORTER_OTLP_ENDPOINT", ErrEndpointNotConfigured)
		}
		// The SDK reads the environment itself; only an explicit endpoint
		// is passed on.
		return otlptracegrpc.New(ctx, o.traceOptions(o.Endpoint)...)
	case "jaeger":
		endpoint := o.endpoint("OTEL_EXPORTER_JAEGER_ENDPOINT")
		if endpoint == "" {
			return nil, fmt.Errorf("%w: set the tracing endpoint or OTEL_EXPORTER_JAEGER_ENDPOINT", ErrEndpointNotConfigured)
		}
		return otlptracegrpc.New(ctx, o.traceOptions(endpoint)...)
	case "none", "":
		return stdouttrace.New(stdouttrace.WithWriter(io.Discard))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownExporter, name)
	}
}

func (o Options) periodic(exp sdkmetric.Exporter) sdkmetric.Reader {
	if o.Interval > 0 {
		return sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(o.Interval))
	}
	return sdkmetric.NewPeriodicReader(exp)
}

// NewMetricsReader returns the metric reader called name: stdout, otlp,
// prometheus or none.
func NewMetricsReader(ctx context.Context, name string, o Options) (sdkmetric.Reader, error) {
	switch name {
	case "stdout":
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(o.writer()))
		if err != nil {
			return nil, fmt.Errorf("exporters: stdout metrics: %w", err)
		}
		return o.periodic(exp), nil
	case "otlp":
		if o.endpoint("OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_METRICS_ENDPOINT") == "" {
			return nil, fmt.Errorf("%w: set the metrics endpoint or OTEL_EXPORTER_OTLP_ENDPOINT", ErrEndpointNotConfigured)
		}
		var opts []otlpmetricgrpc.Option
		switch {
		case o.Endpoint == "":
		case isURL(o.Endpoint):
			opts = append(opts, otlpmetricgrpc.WithEndpointURL(o.Endpoint))
		default:
			opts = append(opts, otlpmetricgrpc.WithEndpoint(o.Endpoint))
		}
		if o.Insecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		exp, err := otlpmetricgrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("exporters: otlp metrics: %w", err)
		}
		return o.periodic(exp), nil
	case "prometheus":
		var opts []prometheus.Option
		if o.Registerer != nil {
			opts = append(opts, prometheus.WithRegisterer(o.Registerer))
		}
		exp, err := prometheus.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("exporters: prometheus: %w", err)
		}
		return exp, nil
	case "none", "":
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(io.Discard))
		if err != nil {
			return nil, err
		}
		return o.periodic(exp), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownExporter, name)
	}
}
