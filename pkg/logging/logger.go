// Package logging provides the process-wide logger for faceattend.
// It wraps logrus so every component logs with the same format and level.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger is the application-wide logger instance.
var Logger *logrus.Logger

// Fields is an alias for logrus.Fields for convenience.
type Fields = logrus.Fields

var (
	fileMu  sync.Mutex
	logFile *os.File
)

func init() {
	Logger = logrus.New()
	Logger.SetFormatter(textFormatter())
	Logger.SetOutput(os.Stderr)
	Logger.SetLevel(logrus.InfoLevel)
}

func textFormatter() logrus.Formatter {
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	}
}

// Init sets the level and, when path is non-empty, tees output into an
// append-only log file next to stderr.
func Init(level string, path string) error {
	SetLevel(level)

	if path == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	fileMu.Lock()
	if logFile != nil {
		_ = logFile.Close()
	}
	logFile = f
	fileMu.Unlock()

	Logger.SetOutput(io.MultiWriter(os.Stderr, f))
	return nil
}

// Close detaches and closes the log file opened by Init, if any.
func Close() error {
	fileMu.Lock()
	defer fileMu.Unlock()

	if logFile == nil {
		return nil
	}
	Logger.SetOutput(os.Stderr)
	err := logFile.Close()
	logFile = nil
	return err
}

// ParseLevel maps a config level name to a logrus level.
// Unknown names fall back to info.
func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// SetLevel sets the logging level.
func SetLevel(level string) {
	Logger.SetLevel(ParseLevel(level))
}

// SetFormat switches between "text" and "json" output.
func SetFormat(format string) {
	if strings.EqualFold(format, "json") {
		Logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
		return
	}
	Logger.SetFormatter(textFormatter())
}

// Debugf logs a formatted debug message.
func Debugf(format string, args ...interface{}) {
	Logger.Debugf(format, args...)
}

// Info logs an info message.
func Info(args ...interface{}) {
	Logger.Info(args...)
}

// Infof logs a formatted info message.
func Infof(format string, args ...interface{}) {
	Logger.Infof(format, args...)
}

// Warnf logs a formatted warning message.
func Warnf(format string, args ...interface{}) {
	Logger.Warnf(format, args...)
}

// Errorf logs a formatted error message.
func Errorf(format string, args ...interface{}) {
	Logger.Errorf(format, args...)
}

// Fatalf logs a formatted fatal message and exits.
func Fatalf(format string, args ...interface{}) {
	Logger.Fatalf(format, args...)
}

// WithFields returns an entry with fields attached.
func WithFields(fields Fields) *logrus.Entry {
	return Logger.WithFields(fields)
}

// WithError returns an entry with an error attached.
func WithError(err error) *logrus.Entry {
	return Logger.WithError(err)
}

// Component returns a logger entry for a specific component.
// The entry also satisfies badger's Logger interface.
func Component(name string) *logrus.Entry {
	return Logger.WithField("component", name)
}
