package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger represents a logger instance
type Logger = *logrus.Logger

// Fields represents structured logging fields
type Fields = logrus.Fields

// NewLogger builds a logger writing logfmt-style lines (format "text") or JSON
// (format "json") at the given level. Unknown levels fall back to info.
func NewLogger(level, format string) Logger {
	return newLogger(os.Stdout, level, format)
}

// NewNopLogger discards everything. Used by tests.
func NewNopLogger() Logger {
	logger := newLogger(io.Discard, "error", "text")
	return logger
}

func newLogger(out io.Writer, level, format string) Logger {
	logger := logrus.New()
	logger.SetOutput(out)

	if strings.EqualFold(strings.TrimSpace(format), "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			DisableColors:  true,
			FullTimestamp:  true,
			DisableSorting: false,
		})
	}

	parsed, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
	return logger
}
