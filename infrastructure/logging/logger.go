// Package logging provides structured logging with trace-id support.
//
// Every field-bearing call is routed through infrastructure/redaction
// before it reaches logrus: this is the single choke point the Redactor
// guarantees covers every log line, with no bypass.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sev-custody/enclaveworker/infrastructure/redaction"
)

// ContextKey is the type for context keys this package reads and writes.
type ContextKey string

const (
	TraceIDKey ContextKey = "trace_id"
	ServiceKey ContextKey = "service"
)

// Logger wraps logrus.Logger with trace-context and redaction helpers.
type Logger struct {
	*logrus.Logger
	service  string
	redactor *redaction.Redactor
}

// New creates a new Logger instance.
func New(service, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger, service: service, redactor: redaction.New()}
}

// NewFromEnv constructs a logger using LOG_LEVEL and LOG_FORMAT, defaulting
// to "info"/"json".
func NewFromEnv(service string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(service, level, format)
}

// SetOutput redirects log output (tests use this to capture a buffer).
func (l *Logger) SetOutput(output io.Writer) {
	l.Logger.SetOutput(output)
}

// WithContext creates a logger entry carrying trace id and service name.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)
	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		entry = entry.WithField("trace_id", traceID)
	}
	return entry
}

// WithFields creates a redacted logger entry. This is the primary entry
// point the rest of the core should use whenever a field carries anything
// that might be a credential or a business datum.
func (l *Logger) WithFields(ctx context.Context, fields map[string]any) *logrus.Entry {
	safe := l.redactor.RedactFields(fields)
	entry := l.WithContext(ctx)
	if len(safe) == 0 {
		return entry
	}
	logrusFields := make(logrus.Fields, len(safe))
	for k, v := range safe {
		logrusFields[k] = v
	}
	return entry.WithFields(logrusFields)
}

// WithError creates a logger entry carrying an error. Error strings are
// free text and are not redacted; callers must not format
// secrets into an error message.
func (l *Logger) WithError(ctx context.Context, err error) *logrus.Entry {
	return l.WithContext(ctx).WithError(err)
}

// Info logs a redacted info-level message.
func (l *Logger) Info(ctx context.Context, message string, fields map[string]any) {
	l.WithFields(ctx, fields).Info(message)
}

// Warn logs a redacted warn-level message.
func (l *Logger) Warn(ctx context.Context, message string, fields map[string]any) {
	l.WithFields(ctx, fields).Warn(message)
}

// Debug logs a redacted debug-level message.
func (l *Logger) Debug(ctx context.Context, message string, fields map[string]any) {
	l.WithFields(ctx, fields).Debug(message)
}

// Error logs a redacted error-level message with an attached error.
func (l *Logger) Error(ctx context.Context, message string, err error, fields map[string]any) {
	entry := l.WithFields(ctx, fields)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(message)
}

// LogVenueCall logs one outbound connector call. Venue identity is
// redacted by field name ("venue") at the WithFields choke point; only
// the operation name and outcome survive in the clear.
func (l *Logger) LogVenueCall(ctx context.Context, venue, operation string, duration time.Duration, err error) {
	fields := map[string]any{
		"venue":       venue,
		"operation":   operation,
		"duration_ms": duration.Milliseconds(),
	}
	if err != nil {
		l.Error(ctx, "venue call failed", err, fields)
		return
	}
	l.Debug(ctx, "venue call completed", fields)
}

// LogSyncAttempt logs one aggregator sync attempt's outcome.
func (l *Logger) LogSyncAttempt(ctx context.Context, venue string, snapshotsWritten int, err error) {
	fields := map[string]any{
		"venue":             venue,
		"snapshots_written": snapshotsWritten,
	}
	if err != nil {
		l.Error(ctx, "sync attempt failed", err, fields)
		return
	}
	l.Info(ctx, "sync attempt completed", fields)
}

// LogSecurityEvent logs a security-relevant event (attestation, vault, TLS).
func (l *Logger) LogSecurityEvent(ctx context.Context, eventType string, details map[string]any) {
	fields := map[string]any{"event_type": eventType, "severity": "security"}
	for k, v := range details {
		fields[k] = v
	}
	l.WithFields(ctx, fields).Warn("security event")
}

// Fatal logs a fatal error and exits the process.
func (l *Logger) Fatal(ctx context.Context, message string, err error) {
	l.WithError(ctx, err).Fatal(message)
}

// NewTraceID generates a new trace id.
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID retrieves the trace id from context, if present.
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}
