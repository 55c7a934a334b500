// Package logging provides the production logger implementation for the
// engine, backed by logrus. Key/value variadics map onto logrus fields, and
// With derives a bound entry so per-message context never leaks across
// messages.
package logging

import (
	"github.com/sirupsen/logrus"

	"github.com/staale/gomats/engine"
)

// LogrusLogger adapts a logrus entry to engine.Logger.
type LogrusLogger struct {
	entry *logrus.Entry
}

// New creates a LogrusLogger over the standard logrus logger.
func New() *LogrusLogger {
	return FromLogger(logrus.StandardLogger())
}

// FromLogger creates a LogrusLogger over a specific logrus logger.
func FromLogger(l *logrus.Logger) *LogrusLogger {
	return &LogrusLogger{entry: logrus.NewEntry(l)}
}

func (l *LogrusLogger) Debug(msg string, keysAndValues ...any) {
	l.entry.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l *LogrusLogger) Info(msg string, keysAndValues ...any) {
	l.entry.WithFields(fields(keysAndValues)).Info(msg)
}

func (l *LogrusLogger) Warn(msg string, keysAndValues ...any) {
	l.entry.WithFields(fields(keysAndValues)).Warn(msg)
}

func (l *LogrusLogger) Error(msg string, keysAndValues ...any) {
	l.entry.WithFields(fields(keysAndValues)).Error(msg)
}

func (l *LogrusLogger) With(keysAndValues ...any) engine.Logger {
	return &LogrusLogger{entry: l.entry.WithFields(fields(keysAndValues))}
}

// fields pairs up the variadic keys and values. A trailing key without a
// value is logged under itself so it is not silently lost.
func fields(keysAndValues []any) logrus.Fields {
	f := make(logrus.Fields, len(keysAndValues)/2)
	for i := 0; i < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		if i+1 < len(keysAndValues) {
			f[key] = keysAndValues[i+1]
		} else {
			f[key] = key
		}
	}
	return f
}

// Ensure LogrusLogger implements the engine's logger.
var _ engine.Logger = (*LogrusLogger)(nil)
