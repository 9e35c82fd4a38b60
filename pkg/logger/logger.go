// Package logger provides the structured logger shared by all jamnet
// processes. It wraps logrus with a service-scoped entry so every line
// carries the emitting process name.
package logger

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is a service-scoped structured logger.
type Logger struct {
	*logrus.Entry
}

// New creates a logger for the named service at the given level.
// Unknown levels fall back to info.
func New(service, level string) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stdout)

	lvl, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	base.SetLevel(lvl)

	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return &Logger{Entry: base.WithField("service", service)}
}

// NewDefault creates a logger for the named service using LOG_LEVEL from the
// environment.
func NewDefault(service string) *Logger {
	return New(service, os.Getenv("LOG_LEVEL"))
}

// Named returns a child logger scoped to a sub-component.
func (l *Logger) Named(component string) *Logger {
	return &Logger{Entry: l.WithField("component", component)}
}
