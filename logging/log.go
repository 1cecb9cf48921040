package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

type LogLevel int

const (
	LogLevelError   LogLevel = 0
	LogLevelWarning LogLevel = 1
	LogLevelInfo    LogLevel = 2
	LogLevelDebug   LogLevel = 3
)

var logger = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006/01/02 15:04:05.000000",
	})
	l.SetLevel(logrus.ErrorLevel) // the default
	return l
}

// Logger exposes the underlying logrus logger, mostly for tests that want
// to capture output.
func Logger() *logrus.Logger {
	return logger
}

func SetLogLevel(newLevel LogLevel) {
	switch {
	case newLevel >= LogLevelDebug:
		logger.SetLevel(logrus.DebugLevel)
	case newLevel == LogLevelInfo:
		logger.SetLevel(logrus.InfoLevel)
	case newLevel == LogLevelWarning:
		logger.SetLevel(logrus.WarnLevel)
	default:
		logger.SetLevel(logrus.ErrorLevel)
	}
}

// ParseLogLevel maps "debug", "info", "warn" and "error" to a LogLevel.
func ParseLogLevel(s string) (LogLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LogLevelDebug, true
	case "info":
		return LogLevelInfo, true
	case "warn", "warning":
		return LogLevelWarning, true
	case "error":
		return LogLevelError, true
	}
	return LogLevelError, false
}

func SetLogFile(logFile io.Writer) {
	logger.SetOutput(io.MultiWriter(os.Stdout, logFile))
}

// WithFields returns an entry that carries the given fields on every line.
func WithFields(fields logrus.Fields) *logrus.Entry {
	return logger.WithFields(fields)
}

func Fatalf(format string, args ...interface{}) {
	logger.Fatalf(format, args...)
}

func Debugf(format string, args ...interface{}) {
	logger.Debugf(format, args...)
}

func Infof(format string, args ...interface{}) {
	logger.Infof(format, args...)
}

// Noticef is for noteworthy events like new work being broadcast.
func Noticef(format string, args ...interface{}) {
	logger.WithField("notice", true).Infof(format, args...)
}

func Warnf(format string, args ...interface{}) {
	logger.Warnf(format, args...)
}

func Errorf(format string, args ...interface{}) {
	logger.Errorf(format, args...)
}
