// Package observe provides telemetry for protected tool invocations.
//
// An Observer owns the OpenTelemetry tracer and meter providers and a JSON
// structured logger. Middleware bundles the three for authorizers, and
// Instrument wraps an authz.ExecuteFunc so every invocation produces one
// span, one set of metrics and one log entry. Interrupts are counted
// separately from fatal errors and never mark a span as failed.
//
// Log fields carrying tokens or secrets (see RedactedFields) are always
// written as "[REDACTED]".
package observe
