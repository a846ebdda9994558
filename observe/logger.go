package observe

import (
	"context"
	"encoding/json"
	"io"
	"maps"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// LogLevel represents a logging level.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLogLevel parses a string log level. Unknown levels map to LevelInfo.
func ParseLogLevel(s string) LogLevel {
	switch s {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

var redacted = func() map[string]bool {
	m := make(map[string]bool, len(RedactedFields))
	for _, k := range RedactedFields {
		m[k] = true
	}
	return m
}()

// structuredLogger writes one JSON object per line.
type structuredLogger struct {
	level  LogLevel
	mu     *sync.Mutex
	writer io.Writer
	attrs  map[string]any
}

// NewLogger creates a structured logger writing to stderr.
func NewLogger(level string) Logger {
	return NewLoggerWithWriter(level, os.Stderr)
}

// NewLoggerWithWriter creates a structured logger writing to w.
func NewLoggerWithWriter(level string, w io.Writer) Logger {
	return &structuredLogger{
		level:  ParseLogLevel(level),
		mu:     &sync.Mutex{},
		writer: w,
		attrs:  map[string]any{},
	}
}

// With returns a logger carrying the invocation metadata.
func (l *structuredLogger) With(meta Meta) Logger {
	attrs := maps.Clone(l.attrs)
	for k, v := range meta.attributes() {
		attrs[k] = v
	}
	return &structuredLogger{level: l.level, mu: l.mu, writer: l.writer, attrs: attrs}
}

func (l *structuredLogger) Info(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LevelInfo, msg, fields)
}

func (l *structuredLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LevelWarn, msg, fields)
}

func (l *structuredLogger) Error(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LevelError, msg, fields)
}

func (l *structuredLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LevelDebug, msg, fields)
}

func (l *structuredLogger) log(ctx context.Context, level LogLevel, msg string, fields []Field) {
	if level < l.level {
		return
	}

	entry := make(map[string]any, len(l.attrs)+len(fields)+3)
	for k, v := range l.attrs {
		entry[k] = v
	}
	for _, f := range fields {
		if redacted[f.Key] {
			entry[f.Key] = "[REDACTED]"
			continue
		}
		if err, ok := f.Value.(error); ok {
			entry[f.Key] = err.Error()
			continue
		}
		entry[f.Key] = f.Value
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		entry["trace_id"] = sc.TraceID().String()
		entry["span_id"] = sc.SpanID().String()
	}
	entry["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = level.String()
	entry["msg"] = msg

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.writer.Write(append(data, '\n'))
}

var _ Logger = (*structuredLogger)(nil)
