// Package logger provides the application's leveled, structured logger.
package logger

import (
	"context"
	"io"

	"github.com/rs/zerolog"
)

// Level controls which messages are emitted.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// LoggerInterface is the logging surface components depend on. Keys and
// values are passed as alternating arguments, sprintf-free.
type LoggerInterface interface {
	Debug(ctx context.Context, msg string, keysAndValues ...any)
	Info(ctx context.Context, msg string, keysAndValues ...any)
	Warn(ctx context.Context, msg string, keysAndValues ...any)
	Error(ctx context.Context, msg string, keysAndValues ...any)
	With(keysAndValues ...any) LoggerInterface
}

// Logger implements LoggerInterface on top of zerolog.
type Logger struct {
	zl zerolog.Logger
}

var _ LoggerInterface = (*Logger)(nil)

// New creates a logger writing to w at the given level, tagged with the
// service name.
func New(w io.Writer, level Level, service string) *Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	zl := zerolog.New(w).
		Level(zerologLevel(level)).
		With().
		Timestamp().
		Str("service", service).
		Logger()
	return &Logger{zl: zl}
}

// Nop returns a logger that discards everything. Used by tests and by
// components that were handed no logger.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(s string) Level {
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

func zerologLevel(l Level) zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (l *Logger) Debug(ctx context.Context, msg string, keysAndValues ...any) {
	emit(l.zl.Debug(), msg, keysAndValues)
}

func (l *Logger) Info(ctx context.Context, msg string, keysAndValues ...any) {
	emit(l.zl.Info(), msg, keysAndValues)
}

func (l *Logger) Warn(ctx context.Context, msg string, keysAndValues ...any) {
	emit(l.zl.Warn(), msg, keysAndValues)
}

func (l *Logger) Error(ctx context.Context, msg string, keysAndValues ...any) {
	emit(l.zl.Error(), msg, keysAndValues)
}

// With returns a child logger with the given fields attached to every entry.
func (l *Logger) With(keysAndValues ...any) LoggerInterface {
	zc := l.zl.With()
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		zc = zc.Interface(key, keysAndValues[i+1])
	}
	return &Logger{zl: zc.Logger()}
}

func emit(ev *zerolog.Event, msg string, keysAndValues []any) {
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, keysAndValues[i+1])
	}
	ev.Msg(msg)
}
