// Package observability carries the engine's structured logging surface. The
// process installs a zap-backed Logger at startup (see NewZapLogger); packages
// log through Log() so tests and tools run against a no-op default.
package observability

import "sync/atomic"

// Logger is the structured logger every engine component writes to.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field is one key/value pair attached to a log entry.
type Field struct {
	Key   string
	Value any
}

type loggerHolder struct{ Logger }

var current atomic.Pointer[loggerHolder]

// SetLogger installs the process-wide logger. Nil restores the no-op logger.
// Safe to call while other goroutines are logging.
func SetLogger(logger Logger) {
	if logger == nil {
		current.Store(nil)
		return
	}
	current.Store(&loggerHolder{logger})
}

// Log returns the installed logger.
func Log() Logger {
	if h := current.Load(); h != nil {
		return h.Logger
	}
	return noopLogger{}
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}
