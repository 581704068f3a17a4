// Package rplog provides the Logger capability (L0) injected into every
// Component, Bridge and the Supervisor.
package rplog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide default, used only by cmd/ entry points.
// Every other package receives a zerolog.Logger explicitly through its
// constructor rather than reaching for this global.
var Logger zerolog.Logger

type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls how the default logger renders.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init builds the process-wide default logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
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
}

// WithComponent returns a child logger tagged with the owning component name,
// matching the profile record's own `name` field (spec §6).
func WithComponent(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

// WithUnit returns a child logger tagged with a unit uid.
func WithUnit(base zerolog.Logger, uid string) zerolog.Logger {
	return base.With().Str("uid", uid).Logger()
}

// WithBridge returns a child logger tagged with a bridge name.
func WithBridge(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("bridge", name).Logger()
}
