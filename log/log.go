// Package log provides a category-tagged logger for internal diagnostics,
// plus the line callback type through which the monitor emits its product
// output.
package log

import (
	"io"
	"regexp"

	"github.com/sirupsen/logrus"
)

// LineFunc receives one structured log line: a source tag (e.g. "RUNTIME
// ERROR") and a human-readable message. The monitor never writes its own
// output; the caller decides how lines are rendered and persisted.
type LineFunc func(source, message string)

// DiscardLines is a LineFunc that drops everything.
func DiscardLines(string, string) {}

// Logger wraps a logrus logger with per-category debug logging. Categories
// name the subsystem emitting the entry ("cdp", "chromium", "monitor", ...)
// and can be filtered with a regexp.
type Logger struct {
	*logrus.Logger

	debugOverride  bool
	categoryFilter *regexp.Regexp
}

// New returns a Logger wrapping the given logrus instance. When
// debugOverride is set, debug entries are emitted regardless of the logrus
// level. categoryFilter may be nil to log all categories.
func New(logger *logrus.Logger, debugOverride bool, categoryFilter *regexp.Regexp) *Logger {
	return &Logger{
		Logger:         logger,
		debugOverride:  debugOverride,
		categoryFilter: categoryFilter,
	}
}

// NewNullLogger returns a Logger that discards everything. Intended for
// tests.
func NewNullLogger() *Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return New(log, false, nil)
}

func (l *Logger) Debugf(category, msg string, args ...any) {
	l.logf(logrus.DebugLevel, category, msg, args...)
}

func (l *Logger) Infof(category, msg string, args ...any) {
	l.logf(logrus.InfoLevel, category, msg, args...)
}

func (l *Logger) Warnf(category, msg string, args ...any) {
	l.logf(logrus.WarnLevel, category, msg, args...)
}

func (l *Logger) Errorf(category, msg string, args ...any) {
	l.logf(logrus.ErrorLevel, category, msg, args...)
}

func (l *Logger) logf(level logrus.Level, category, msg string, args ...any) {
	if l.categoryFilter != nil && !l.categoryFilter.MatchString(category) {
		return
	}
	entry := l.WithField("category", category)
	if level == logrus.DebugLevel && l.debugOverride && l.GetLevel() < level {
		entry.Printf(msg, args...)
		return
	}
	entry.Logf(level, msg, args...)
}

// DebugMode reports whether debug entries are emitted.
func (l *Logger) DebugMode() bool {
	return l.debugOverride || l.GetLevel() >= logrus.DebugLevel
}
