// Package common holds process-wide helpers: logger construction and build
// version information.
package common

import (
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

// LoggingOpts configures SetupLogger.
type LoggingOpts struct {
	// Service is added as a "service" attribute to every record.
	Service string

	// JSON selects the JSON handler instead of the colored terminal handler.
	JSON bool

	// Debug lowers the level to debug and adds source locations.
	Debug bool

	// UID adds a per-process uuid to every record, useful to tell restarts
	// apart in aggregated logs.
	UID bool

	// Version is added as a "version" attribute when non-empty.
	Version string
}

// SetupLogger builds the process logger. All components receive a *slog.Logger
// through their constructors; nothing logs through the default logger.
func SetupLogger(opts *LoggingOpts) *slog.Logger {
	logLevel := slog.LevelInfo
	if opts.Debug {
		logLevel = slog.LevelDebug
	}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level:     logLevel,
			AddSource: opts.Debug,
		})
	} else {
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:     logLevel,
			AddSource: opts.Debug,
		})
	}

	log := slog.New(handler)
	if opts.Service != "" {
		log = log.With("service", opts.Service)
	}
	if opts.Version != "" {
		log = log.With("version", opts.Version)
	}
	if opts.UID {
		log = log.With("uid", uuid.New().String())
	}
	return log
}
