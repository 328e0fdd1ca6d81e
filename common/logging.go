// Package common contains the shared logging setup and service constants.
package common

import (
	"log/slog"
	"os"
)

// LoggingOpts configures the process-wide logger.
type LoggingOpts struct {
	// Debug lowers the log level to debug.
	Debug bool

	// JSON enables the JSON handler. Text output is used otherwise.
	JSON bool

	// Service is added as a "service" attribute on every record when set.
	Service string

	// Version is added as a "version" attribute on every record when set.
	Version string
}

// SetupLogger creates the process logger. Components receive it explicitly;
// nothing in this module logs through slog.Default.
func SetupLogger(opts *LoggingOpts) (log *slog.Logger) {
	logLevel := slog.LevelInfo
	if opts.Debug {
		logLevel = slog.LevelDebug
	}

	if opts.JSON {
		log = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	} else {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	}

	if opts.Service != "" {
		log = log.With("service", opts.Service)
	}

	if opts.Version != "" {
		log = log.With("version", opts.Version)
	}

	return log
}
