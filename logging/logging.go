// Package logging provides the component logger used by every part of the
// daemon. Output is leveled key=value text produced by charmbracelet/log.
package logging

import (
	"io"
	"os"
	"sort"
	"time"

	"github.com/charmbracelet/log"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// charmLevel maps levels to the backend's levels.
var charmLevel = map[Level]log.Level{
	LevelDebug: log.DebugLevel,
	LevelInfo:  log.InfoLevel,
	LevelWarn:  log.WarnLevel,
	LevelError: log.ErrorLevel,
}

// ParseLevel converts a config string ("debug", "INFO", ...) to a Level.
// Unknown values map to LevelInfo.
func ParseLevel(s string) Level {
	switch Level(toUpper(s)) {
	case LevelDebug:
		return LevelDebug
	case LevelWarn, "WARNING":
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger is a component-scoped structured logger.
type Logger struct {
	base      *log.Logger
	component string
}

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// New creates a Logger writing to stderr at INFO level.
func New() *Logger {
	return &Logger{
		base: log.NewWithOptions(os.Stderr, log.Options{
			ReportTimestamp: true,
			TimeFormat:      timeFormat,
			Level:           log.InfoLevel,
		}),
	}
}

// Discard returns a Logger that drops everything.
func Discard() *Logger {
	l := New()
	l.SetOutput(io.Discard)
	return l
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *Logger) *Logger {
	if l == nil {
		return Discard()
	}
	return l
}

// WithComponent returns a new logger with the given component name as prefix.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		base:      l.base.WithPrefix(component),
		component: component,
	}
}

// Component returns the component name, if any.
func (l *Logger) Component() string {
	return l.component
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	lv, ok := charmLevel[level]
	if !ok {
		lv = log.InfoLevel
	}
	l.base.SetLevel(lv)
}

// SetOutput sets the output writer (default: stderr).
func (l *Logger) SetOutput(w io.Writer) {
	l.base.SetOutput(w)
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.base.Debug(msg, keyvals(fields)...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.base.Info(msg, keyvals(fields)...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.base.Warn(msg, keyvals(fields)...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.base.Error(msg, keyvals(fields)...)
}

// keyvals flattens the first field map into sorted key/value pairs so
// output is stable between runs.
func keyvals(fields []map[string]interface{}) []interface{} {
	if len(fields) == 0 || len(fields[0]) == 0 {
		return nil
	}
	m := fields[0]
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	kv := make([]interface{}, 0, len(keys)*2)
	for _, k := range keys {
		kv = append(kv, k, m[k])
	}
	return kv
}

func toUpper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}

// --- Domain events ---

// TaskFailed logs a background task that ended with an error.
func (l *Logger) TaskFailed(name, id string, err error) {
	l.Error("task_failed", map[string]interface{}{
		"task":    name,
		"task_id": id,
		"error":   err.Error(),
	})
}

// TaskStraggler logs a task still running after the shutdown grace period.
func (l *Logger) TaskStraggler(name, id string, running time.Duration) {
	l.Warn("task_straggler", map[string]interface{}{
		"task":    name,
		"task_id": id,
		"running": running.Round(time.Millisecond).String(),
	})
}

// PeerSkipped logs a peer whose contribution was dropped for this cycle.
func (l *Logger) PeerSkipped(peer, category string, err error) {
	l.Warn("peer_skipped", map[string]interface{}{
		"peer":     peer,
		"category": category,
		"error":    err.Error(),
	})
}

// PayloadRejected logs a remote payload that failed validation.
func (l *Logger) PayloadRejected(peer, kind string, err error) {
	l.Warn("payload_rejected", map[string]interface{}{
		"peer":  peer,
		"kind":  kind,
		"error": err.Error(),
	})
}

// DeliveryPersistFailed logs a notification that reached its recipient but
// whose delivered status could not be written. Operators reconcile these by hand.
func (l *Logger) DeliveryPersistFailed(rowID, channel, recipient string, err error) {
	l.Error("delivery_persist_failed", map[string]interface{}{
		"row_id":    rowID,
		"channel":   channel,
		"recipient": recipient,
		"error":     err.Error(),
		"reconcile": true,
	})
}
