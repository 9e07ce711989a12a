// Package piouslog wraps zerolog into the data server and client's shared
// package-level logger configured at process start, with helpers that
// return child loggers scoped to a component, a data-server endpoint, or
// a transaction.
package piouslog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/pious-project/pious/pkg/transid"
)

// Logger is the global logger instance; set by Init.
var Logger zerolog.Logger

// Level is a string-typed log level, parsed from configuration.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls Init.
type Config struct {
	Level  Level
	JSON   bool
	Output io.Writer
}

// Init configures the global logger. Safe to call once at process
// start; tests that need isolated output construct a zerolog.Logger
// directly instead of calling Init.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSON {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent scopes logs to a named subsystem (e.g. "lockmgr", "cache").
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithServer scopes logs to a data-server endpoint.
func WithServer(endpoint string) zerolog.Logger {
	return Logger.With().Str("server", endpoint).Logger()
}

// WithTransID scopes logs to a transaction.
func WithTransID(id transid.ID) zerolog.Logger {
	return Logger.With().Str("transid", id.String()).Logger()
}
