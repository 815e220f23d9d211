package log

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// InitLogs returns a configured logrus logger. The optional level argument
// overrides the default info level; invalid levels fall back to info.
func InitLogs(level ...string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.999",
	})
	log.SetLevel(logrus.InfoLevel)
	if len(level) > 0 {
		if lvl, err := logrus.ParseLevel(level[0]); err == nil {
			log.SetLevel(lvl)
		}
	}
	return log
}

// PrefixLogger wraps a logrus logger and prepends a fixed prefix to every
// message. Managers hold one of these so log lines can be attributed to a
// component without structured fields.
type PrefixLogger struct {
	*logrus.Logger
	prefix string
}

// NewPrefixLogger creates a PrefixLogger with the given prefix.
func NewPrefixLogger(prefix string) *PrefixLogger {
	return &PrefixLogger{
		Logger: InitLogs(),
		prefix: prefix,
	}
}

// NewPrefixLoggerFromLogger wraps an existing logger with a prefix.
func NewPrefixLoggerFromLogger(prefix string, log *logrus.Logger) *PrefixLogger {
	return &PrefixLogger{
		Logger: log,
		prefix: prefix,
	}
}

// Prefix returns the configured prefix.
func (l *PrefixLogger) Prefix() string {
	return l.prefix
}

func (l *PrefixLogger) prefixed(format string) string {
	if l.prefix == "" {
		return format
	}
	return fmt.Sprintf("%s: %s", l.prefix, format)
}

func (l *PrefixLogger) Tracef(format string, args ...interface{}) {
	l.Logger.Tracef(l.prefixed(format), args...)
}

func (l *PrefixLogger) Trace(args ...interface{}) {
	l.Logger.Trace(append([]interface{}{l.prefixTag()}, args...)...)
}

func (l *PrefixLogger) Debugf(format string, args ...interface{}) {
	l.Logger.Debugf(l.prefixed(format), args...)
}

func (l *PrefixLogger) Debug(args ...interface{}) {
	l.Logger.Debug(append([]interface{}{l.prefixTag()}, args...)...)
}

func (l *PrefixLogger) Infof(format string, args ...interface{}) {
	l.Logger.Infof(l.prefixed(format), args...)
}

func (l *PrefixLogger) Info(args ...interface{}) {
	l.Logger.Info(append([]interface{}{l.prefixTag()}, args...)...)
}

func (l *PrefixLogger) Warnf(format string, args ...interface{}) {
	l.Logger.Warnf(l.prefixed(format), args...)
}

func (l *PrefixLogger) Warningf(format string, args ...interface{}) {
	l.Logger.Warningf(l.prefixed(format), args...)
}

func (l *PrefixLogger) Warn(args ...interface{}) {
	l.Logger.Warn(append([]interface{}{l.prefixTag()}, args...)...)
}

func (l *PrefixLogger) Errorf(format string, args ...interface{}) {
	l.Logger.Errorf(l.prefixed(format), args...)
}

func (l *PrefixLogger) Error(args ...interface{}) {
	l.Logger.Error(append([]interface{}{l.prefixTag()}, args...)...)
}

func (l *PrefixLogger) Fatalf(format string, args ...interface{}) {
	l.Logger.Fatalf(l.prefixed(format), args...)
}

func (l *PrefixLogger) prefixTag() string {
	if l.prefix == "" {
		return ""
	}
	return l.prefix + ": "
}

// Level returns the current log level.
func (l *PrefixLogger) Level() logrus.Level {
	return l.Logger.GetLevel()
}
