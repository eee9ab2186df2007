// internal/logger/logger.go
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog with service context
type Logger struct {
	service string
	zl      zerolog.Logger
}

// New creates a new logger instance for a service
func New(service string) *Logger {
	return NewWithWriter(service, os.Stdout)
}

// NewWithWriter creates a logger that writes JSON lines to w
func NewWithWriter(service string, w io.Writer) *Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zl := zerolog.New(w).With().Timestamp().Str("service", service).Logger()
	return &Logger{service: service, zl: zl}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// SetLevel sets the minimum level ("debug", "info", "warn", "error").
// Unknown values leave the level unchanged.
func (l *Logger) SetLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		return
	}
	l.zl = l.zl.Level(lvl)
}

// With returns a child logger carrying the given key/value pairs
func (l *Logger) With(keyvals ...interface{}) *Logger {
	ctx := l.zl.With()
	for i := 0; i+1 < len(keyvals); i += 2 {
		ctx = ctx.Interface(keyString(keyvals[i]), keyvals[i+1])
	}
	return &Logger{service: l.service, zl: ctx.Logger()}
}

// Info logs an info message
func (l *Logger) Info(message string, keyvals ...interface{}) {
	withFields(l.zl.Info(), keyvals).Msg(message)
}

// Error logs an error message
func (l *Logger) Error(message string, keyvals ...interface{}) {
	withFields(l.zl.Error(), keyvals).Msg(message)
}

// Warn logs a warning message
func (l *Logger) Warn(message string, keyvals ...interface{}) {
	withFields(l.zl.Warn(), keyvals).Msg(message)
}

// Debug logs a debug message
func (l *Logger) Debug(message string, keyvals ...interface{}) {
	withFields(l.zl.Debug(), keyvals).Msg(message)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(message string, keyvals ...interface{}) {
	withFields(l.zl.WithLevel(zerolog.FatalLevel), keyvals).Msg(message)
	os.Exit(1)
}

// withFields attaches key/value pairs to an event. Errors are logged under
// their key with the error message as value.
func withFields(e *zerolog.Event, keyvals []interface{}) *zerolog.Event {
	if e == nil {
		return nil
	}
	for i := 0; i < len(keyvals); i += 2 {
		key := keyString(keyvals[i])
		if i+1 >= len(keyvals) {
			e = e.Str(key, "(MISSING)")
			break
		}
		switch v := keyvals[i+1].(type) {
		case error:
			e = e.AnErr(key, v)
		case string:
			e = e.Str(key, v)
		case fmt.Stringer:
			e = e.Str(key, v.String())
		default:
			e = e.Interface(key, v)
		}
	}
	return e
}

func keyString(k interface{}) string {
	if s, ok := k.(string); ok {
		return s
	}
	return fmt.Sprint(k)
}
