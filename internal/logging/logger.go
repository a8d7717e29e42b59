// Package logging provides the Logger interface every fastrpc package logs
// through — client, server, transport, fsm — backed in production by the
// slog-based implementation in slog_logger.go, and by NoopLogger wherever a
// caller doesn't wire one in.
package logging

// file: internal/logging/logger.go

import (
	"context"
)

// Logger is the logging surface fastrpc components depend on. WithField is
// the main way call sites attach structured identity — "component" at
// construction (GetLogger, NewClient, NewServer), then "connId" per
// connection in internal/server. Per-request "msgid"/"reqId" values are
// passed as key-value arguments on individual log calls.
type Logger interface {
	// Debug logs a debug-level message.
	Debug(msg string, args ...any)

	// Info logs an info-level message.
	Info(msg string, args ...any)

	// Warn logs a warning-level message.
	Warn(msg string, args ...any)

	// Error logs an error-level message.
	Error(msg string, args ...any)

	// WithContext returns a logger carrying values from ctx.
	WithContext(ctx context.Context) Logger

	// WithField returns a logger with an additional structured field.
	WithField(key string, value any) Logger
}

// NoopLogger discards everything. It's the zero-value fallback for
// components built without an explicit logger (see NewClient, NewServer).
type NoopLogger struct{}

// Debug implements Logger but performs no action.
func (l *NoopLogger) Debug(_ string, _ ...any) {}

// Info implements Logger but performs no action.
func (l *NoopLogger) Info(_ string, _ ...any) {}

// Warn implements Logger but performs no action.
func (l *NoopLogger) Warn(_ string, _ ...any) {}

// Error implements Logger but performs no action.
func (l *NoopLogger) Error(_ string, _ ...any) {}

// WithContext implements Logger, returning the NoopLogger itself.
func (l *NoopLogger) WithContext(_ context.Context) Logger { return l }

// WithField implements Logger, returning the NoopLogger itself.
func (l *NoopLogger) WithField(_ string, _ any) Logger { return l }

var noop = &NoopLogger{}

// GetNoopLogger returns the shared no-op logger instance.
func GetNoopLogger() Logger {
	return noop
}

// defaultLogger backs GetLogger until SetDefaultLogger (or InitLogging,
// which calls it) installs a real one.
var defaultLogger = GetNoopLogger()

// SetDefaultLogger installs logger as the base every GetLogger call derives
// from. A nil logger is ignored rather than clearing the default.
func SetDefaultLogger(logger Logger) {
	if logger != nil {
		defaultLogger = logger
	}
}

// GetLogger returns the default logger tagged with component name, e.g.
// "fastrpc_client" or "fsm_wrapper".
func GetLogger(name string) Logger {
	return defaultLogger.WithField("component", name)
}
