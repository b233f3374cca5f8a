// Package cynlog provides the process-wide structured logger used by
// every cynagora binary and package.
package cynlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance. Packages take a zerolog.Logger
// at construction time rather than reaching for this directly; it
// exists so the three cmd/ entrypoints have something to hand out
// before components are built.
var Logger zerolog.Logger

// Level names accepted on the command line and in the settings file.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger and returns it.
func Init(cfg Config) zerolog.Logger {
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

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
	return Logger
}

// WithComponent creates a child logger tagged with a component name,
// e.g. "store", "engine", "server".
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithSocket creates a child logger tagged with the listening socket
// a server component is bound to.
func WithSocket(uri string) zerolog.Logger {
	return Logger.With().Str("socket", uri).Logger()
}
