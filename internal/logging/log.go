// Package logging holds the process root logger and carries request-scoped
// entries through a context.
package logging

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

var (
	loggerCtxKey = new(int)
	rootLogger   = logrus.New()
)

const rfc3339NanoFixed = "2006-01-02T15:04:05.000000000Z07:00"

// Context returns a child context such that FromContext(child) returns logger.
func Context(ctx context.Context, logger *logrus.Entry) context.Context {
	return context.WithValue(ctx, loggerCtxKey, logger)
}

// FromContext returns the logger attached by Context, otherwise the root
// logger with no fields.
func FromContext(ctx context.Context) *logrus.Entry {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerCtxKey).(*logrus.Entry); ok {
			return logger
		}
	}
	return rootLogger.WithFields(nil)
}

// Root returns the process root logger.
func Root() *logrus.Logger {
	return rootLogger
}

// OrRoot returns logger, or the root logger if logger is nil.
func OrRoot(logger logrus.FieldLogger) logrus.FieldLogger {
	if logger == nil {
		return rootLogger
	}
	return logger
}

// SetLevel sets the root logging level. See logrus for level names.
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	rootLogger.SetLevel(lvl)
	return nil
}

// SetFormat sets the root logging format to "json" or "text".
func SetFormat(format string) error {
	switch format {
	case "text", "":
		rootLogger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: rfc3339NanoFixed,
		})
	case "json":
		rootLogger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: rfc3339NanoFixed,
		})
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	return nil
}
