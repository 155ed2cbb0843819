// Package logging wraps zerolog to give every coordinator component a
// structured, leveled logger tagged with its own component name.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance. Init must be called once before
// any component logger is derived from it; the zero value is a valid,
// if silent, logger so tests that skip Init still run.
var Logger zerolog.Logger = zerolog.New(io.Discard)

// Level is a coordinator-facing log level, decoupled from zerolog's own
// Level type so callers never need to import zerolog directly just to
// configure verbosity.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls how Init sets up the global logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger. Safe to call more than once, e.g.
// from tests that want console output.
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

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent returns a child logger tagged with the given component
// name (e.g. "cluster", "poller", "orchestrator").
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithOperation returns a child logger tagged with an operation's id and
// name, for use inside operation tasks and the steps they run.
func WithOperation(opID int, opName string) zerolog.Logger {
	return Logger.With().Int("op_id", opID).Str("op_name", opName).Logger()
}

// WithNode returns a child logger tagged with a node's URL, for per-node
// fan-out logging in the cluster client and poller.
func WithNode(logger zerolog.Logger, nodeURL string) zerolog.Logger {
	return logger.With().Str("node", nodeURL).Logger()
}

// WithLocker returns a child logger tagged with a lock protocol's locker
// token.
func WithLocker(logger zerolog.Logger, locker string) zerolog.Logger {
	return logger.With().Str("locker", locker).Logger()
}
