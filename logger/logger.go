// Package logger provides the levelled logger shared by every engine
// package.  The public surface is intentionally small (Info/Error/Debug in
// plain and formatted variants) so call sites stay uniform; the heavy
// lifting – timestamps, level filtering, structured fields – is delegated
// to logrus.
package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Level represents a logging verbosity level.
type Level int

const (
	// LevelDebug emits all messages.
	LevelDebug Level = iota
	// LevelInfo emits INFO, WARN and ERROR messages.
	LevelInfo
	// LevelError emits only ERROR messages.
	LevelError
)

// Logger is a structured, levelled logger.
//
// Thread-safety: logrus serialises writes to the underlying io.Writer with
// its own mutex, and level changes are atomic, so a single Logger may be
// shared freely across goroutines.
type Logger struct {
	entry *logrus.Entry
}

// New creates a Logger that writes to stderr at the given minimum level.
// Millisecond-resolution timestamps are sufficient for diagnosing latency
// problems in release-window bursts.
func New(level Level) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	l.SetLevel(toLogrusLevel(level))
	return &Logger{entry: logrus.NewEntry(l)}
}

// Discard returns a Logger that drops every message.  Intended for tests.
func Discard() *Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &Logger{entry: logrus.NewEntry(l)}
}

func toLogrusLevel(level Level) logrus.Level {
	switch level {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// SetLevel changes the minimum log level at runtime.  Safe for concurrent use.
func (l *Logger) SetLevel(level Level) {
	l.entry.Logger.SetLevel(toLogrusLevel(level))
}

// WithField returns a child Logger that stamps every message with key=value.
// Used to carry job context (job_name, site) through timer callbacks.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

// Info logs a message at INFO level.
func (l *Logger) Info(msg string) { l.entry.Info(msg) }

// Infof logs a formatted message at INFO level.
func (l *Logger) Infof(format string, args ...interface{}) { l.entry.Infof(format, args...) }

// Warn logs a message at WARN level.
func (l *Logger) Warn(msg string) { l.entry.Warn(msg) }

// Warnf logs a formatted message at WARN level.
func (l *Logger) Warnf(format string, args ...interface{}) { l.entry.Warnf(format, args...) }

// Error logs a message at ERROR level.
func (l *Logger) Error(msg string) { l.entry.Error(msg) }

// Errorf logs a formatted message at ERROR level.
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

// Debug logs a message at DEBUG level.
func (l *Logger) Debug(msg string) { l.entry.Debug(msg) }

// Debugf logs a formatted message at DEBUG level.
func (l *Logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
