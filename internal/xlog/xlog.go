// Package xlog configures the cell's structured logger and hands out
// child loggers carrying the context fields the rest of the codebase
// keys on.
package xlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide base logger. Init reconfigures it; all
// child loggers below derive from it.
var Logger zerolog.Logger

// Level is a coarse logging level recognized by cell.yaml's log.level key.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config configures the global logger.
type Config struct {
	Level  Level
	JSON   bool
	Output io.Writer
}

// ParseLevel maps a cell.yaml-style level string to a Level, defaulting
// to InfoLevel for anything unrecognized.
func ParseLevel(s string) Level {
	switch Level(s) {
	case DebugLevel, WarnLevel, ErrorLevel:
		return Level(s)
	default:
		return InfoLevel
	}
}

// Init (re)configures the global Logger from cfg.
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

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	if cfg.JSON {
		Logger = zerolog.New(out).With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the owning component
// name (segment, chainstore, pending, chainsync, commit, engine,
// mutationindex, aggregator, entityindex, gc, ...).
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithCellID tags a child logger with the cell it belongs to.
func WithCellID(l zerolog.Logger, cellID string) zerolog.Logger {
	return l.With().Str("cell_id", cellID).Logger()
}

// WithNodeID tags a child logger with the local node id.
func WithNodeID(l zerolog.Logger, nodeID string) zerolog.Logger {
	return l.With().Str("node_id", nodeID).Logger()
}
