package logflags

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Fields are the structured context attached to a log line. Every layer
// logger carries a "layer" field (session, scatter, backend, terminal);
// callers add pid, addr and similar keys with WithField.
type Fields map[string]interface{}

// Logger is the logging interface used by the session, scatter, backend
// and terminal layers. The default implementation wraps a logrus entry.
type Logger interface {
	// WithField returns a Logger that adds key=value to every line.
	WithField(key string, value interface{}) Logger
	// WithFields returns a Logger that adds fields to every line.
	WithFields(fields Fields) Logger
	// WithError returns a Logger that adds err to every line.
	WithError(err error) Logger

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Printf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	Debug(args ...interface{})
	Info(args ...interface{})
	Print(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
}

// LoggerFactory builds the Logger of a layer. level is DebugLevel when the
// layer was selected with --log-output and ErrorLevel otherwise, fields
// holds the layer field and out is the --log-dest writer, nil when logs go
// to stderr.
type LoggerFactory func(level logrus.Level, fields Fields, out io.Writer) Logger

var loggerFactory LoggerFactory

// SetLoggerFactory lets programs embedding the dma package route its logs
// into their own logging system. A nil factory restores the logrus
// loggers using textFormatter.
func SetLoggerFactory(lf LoggerFactory) {
	loggerFactory = lf
}

type logrusLogger struct {
	*logrus.Entry
}

func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{l.Entry.WithField(key, value)}
}

func (l *logrusLogger) WithFields(fields Fields) Logger {
	return &logrusLogger{l.Entry.WithFields(logrus.Fields(fields))}
}

func (l *logrusLogger) WithError(err error) Logger {
	return &logrusLogger{l.Entry.WithError(err)}
}
