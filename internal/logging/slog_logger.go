// file: internal/logging/slog_logger.go
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

// Level mirrors slog's levels under names that read naturally at call sites
// such as InitLogging and SetLevel.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// currentLevel backs the package-level slog.LevelVar every handler shares,
// so SetLevel takes effect on already-constructed loggers.
var currentLevel = new(slog.LevelVar)

// slogLogger adapts *slog.Logger to the Logger interface. Grounded on the
// teacher's internal/logging.Logger shape; the backend itself is the
// standard library's structured logger since no third-party structured
// logger appears anywhere in the retrieval pack (see DESIGN.md).
type slogLogger struct {
	l *slog.Logger
}

// InitLogging installs the default logger as a JSON-handler slog logger at
// the given level, writing to w. Call once at process startup (or per-test,
// as logger_test.go does) before GetLogger.
func InitLogging(level Level, w io.Writer) {
	currentLevel.Set(level)
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: currentLevel})
	SetDefaultLogger(&slogLogger{l: slog.New(handler)})
}

// SetLevel adjusts the minimum level every slog-backed logger emits at,
// including ones already constructed via GetLogger.
func SetLevel(level Level) {
	currentLevel.Set(level)
}

// IsDebugEnabled reports whether Debug-level records are currently emitted.
func IsDebugEnabled() bool {
	return currentLevel.Level() <= LevelDebug
}

func init() {
	InitLogging(LevelInfo, os.Stderr)
}

func (s *slogLogger) Debug(msg string, args ...any) { s.l.Debug(msg, args...) }
func (s *slogLogger) Info(msg string, args ...any)  { s.l.Info(msg, args...) }
func (s *slogLogger) Warn(msg string, args ...any)  { s.l.Warn(msg, args...) }
func (s *slogLogger) Error(msg string, args ...any) { s.l.Error(msg, args...) }

func (s *slogLogger) WithContext(ctx context.Context) Logger {
	return &slogLogger{l: s.l}
}

func (s *slogLogger) WithField(key string, value any) Logger {
	return &slogLogger{l: s.l.With(key, value)}
}
