// Package modlog provides the module's structured, redacting logger.
//
// Shaped after the teacher's pkg/logger.Logger (a struct wrapping the
// diagnostic writer, level methods, a field context helper, and a
// subscriber fan-out) but backed by logrus in JSON mode, since §4.B
// requires a JSON writer on the diagnostic stream. The redaction
// filter is a logrus.Hook so no record can leave the writer without
// passing through it first.
package modlog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus.Logger configured for JSON output on the
// diagnostic stream, with a redaction hook always installed before
// any record is emitted.
type Logger struct {
	entry     *logrus.Entry
	redactor  *Redactor
	subs      []chan LogEntry
	subsMu    sync.Mutex
}

// LogEntry is a copy of a record, for subscribers such as a log
// streaming endpoint.
type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]any
}

// New creates a Logger writing JSON records to diagnostic (typically
// os.Stderr, since stdout/stdin usually carry the IPC stream), at the
// given level ("debug", "info", "warn", "error"). The redaction filter
// is attached before the logger is returned, satisfying the contract
// that no record is ever emitted before the filter is active.
func New(serviceName, version, level string, diagnostic io.Writer) *Logger {
	if diagnostic == nil {
		diagnostic = os.Stderr
	}

	base := logrus.New()
	base.SetOutput(diagnostic)
	base.SetFormatter(&logrus.JSONFormatter{})
	base.SetLevel(parseLevel(level))

	l := &Logger{redactor: NewRedactor()}
	base.AddHook(l.redactor.hook())

	l.entry = base.WithFields(logrus.Fields{
		"service": serviceName,
		"version": version,
	})
	return l
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}

// Redactor returns the logger's redaction registry, so callers (e.g.
// pkg/secrets) can register values for redaction.
func (l *Logger) Redactor() *Redactor { return l.redactor }

// Subscribe returns a channel receiving every record emitted from this
// point on through the Logger's own level methods (Debugf through
// Fatalf). Records written through a LogContext are not delivered, and
// a record is dropped for a subscriber whose 100-entry buffer is full.
func (l *Logger) Subscribe() <-chan LogEntry {
	ch := make(chan LogEntry, 100)
	l.subsMu.Lock()
	l.subs = append(l.subs, ch)
	l.subsMu.Unlock()
	return ch
}

func (l *Logger) publish(level, msg string, fields map[string]any) {
	msg = l.redactor.Redact(msg)
	l.subsMu.Lock()
	defer l.subsMu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- LogEntry{Level: level, Message: msg, Fields: fields}:
		default:
		}
	}
}

func (l *Logger) Debugf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.entry.Debug(msg)
	l.publish("debug", msg, nil)
}

func (l *Logger) Infof(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.entry.Info(msg)
	l.publish("info", msg, nil)
}

func (l *Logger) Warnf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.entry.Warn(msg)
	l.publish("warn", msg, nil)
}

func (l *Logger) Errorf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.entry.Error(msg)
	l.publish("error", msg, nil)
}

func (l *Logger) Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.publish("fatal", msg, nil)
	l.entry.Fatal(msg)
}

// WithFields returns a LogContext carrying extra structured fields.
func (l *Logger) WithFields(fields map[string]any) *LogContext {
	return &LogContext{entry: l.entry.WithFields(logrus.Fields(fields))}
}

// LogContext carries a field set across a series of log calls.
type LogContext struct {
	entry *logrus.Entry
}

func (c *LogContext) Infof(format string, args ...any)  { c.entry.Infof(format, args...) }
func (c *LogContext) Errorf(format string, args ...any) { c.entry.Errorf(format, args...) }
func (c *LogContext) Warnf(format string, args ...any)  { c.entry.Warnf(format, args...) }
