// Package observability defines shared logging primitives.
package observability

import "sync/atomic"

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// F is shorthand for building a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Err wraps an error into the conventional "error" field.
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

type loggerBox struct{ Logger }

var global atomic.Pointer[loggerBox]

func init() { global.Store(&loggerBox{noopLogger{}}) }

// SetLogger installs the process-wide logger. A nil logger discards output.
func SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	global.Store(&loggerBox{logger})
}

// Log returns the process-wide logger.
func Log() Logger {
	return global.Load().Logger
}

// Or returns logger when non-nil, otherwise the process-wide logger.
func Or(logger Logger) Logger {
	if logger != nil {
		return logger
	}
	return Log()
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Warn(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}
