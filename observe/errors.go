package observe

import "errors"

// Configuration errors.
var (
	ErrMissingServiceName     = errors.New("observe: service name is required")
	ErrInvalidSamplePct       = errors.New("observe: sample percentage must be between 0.0 and 1.0")
	ErrInvalidTracingExporter = errors.New("observe: invalid tracing exporter")
	ErrInvalidMetricsExporter = errors.New("observe: invalid metrics exporter")
	ErrInvalidLogLevel        = errors.New("observe: invalid log level")
)

// Validation constants.
const (
	MinSamplePct = 0.0
	MaxSamplePct = 1.0
)

// ValidTracingExporters lists valid tracing exporter names.
var ValidTracingExporters = []string{"otlp", "jaeger", "stdout", "none", ""}

// ValidMetricsExporters lists valid metrics exporter names.
var ValidMetricsExporters = []string{"otlp", "prometheus", "stdout", "none", ""}

// ValidLogLevels lists valid log level names.
var ValidLogLevels = []string{"debug", "info", "warn", "error", ""}

// RedactedFields lists field keys whose values never reach the log output.
var RedactedFields = []string{
	"access_token",
	"refresh_token",
	"id_token",
	"subject_token",
	"client_secret",
	"client_assertion",
	"token",
	"secret",
	"password",
	"api_key",
	"credential",
	"args",
}
