// Package logging provides the structured, contextual logger used
// throughout this module. The teacher's own logger (formerly
// pkg/dialog/logger.go) hand-rolled a JSON encoder around a Field/
// Component/With* shape; this version keeps that shape but backs it with
// go.uber.org/zap, the structured-logging library the wider example pack
// uses (appnet-org-arpc's go.mod), rather than reimplementing encoding
// and level filtering by hand.
package logging

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Field is a structured key-value pair attached to a log entry.
type Field = zapcore.Field

func String(key, value string) Field        { return zap.String(key, value) }
func Int(key string, value int) Field       { return zap.Int(key, value) }
func Uint16(key string, value uint16) Field { return zap.Uint16(key, value) }
func Error(err error) Field                 { return zap.Error(err) }
func Duration(key string, value time.Duration) Field {
	return zap.Duration(key, value)
}

// Logger is the contextual logger every component receives at
// construction — a component never builds its own zap.Logger, so one
// sink and one level configuration governs the whole process.
type Logger struct {
	z *zap.Logger
}

// New builds a production-profile Logger (JSON encoding, info level).
func New() *Logger {
	z, err := zap.NewProduction()
	if err != nil {
		z = zap.NewNop()
	}
	return &Logger{z: z}
}

// NewDevelopment builds a human-readable console Logger, for cmd/coapd
// when run interactively.
func NewDevelopment() *Logger {
	z, err := zap.NewDevelopment()
	if err != nil {
		z = zap.NewNop()
	}
	return &Logger{z: z}
}

// Nop builds a Logger that discards everything, for tests that don't
// want log output but do want a non-nil Logger to inject.
func Nop() *Logger {
	return &Logger{z: zap.NewNop()}
}

// Component returns a child Logger that tags every entry with the given
// component name — mirroring the teacher's Component-scoped logger
// sub-instances.
func (l *Logger) Component(name string) *Logger {
	return &Logger{z: l.z.With(zap.String("component", name))}
}

// With returns a child Logger carrying additional fields on every entry.
func (l *Logger) With(fields ...Field) *Logger {
	return &Logger{z: l.z.With(fields...)}
}

func (l *Logger) Debug(msg string, fields ...Field) { l.z.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...Field)  { l.z.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.z.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...Field) { l.z.Error(msg, fields...) }

// Sync flushes any buffered log entries, to be called before process exit.
func (l *Logger) Sync() error { return l.z.Sync() }
