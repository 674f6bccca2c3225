// Package logging builds the zerolog logger shared by every component.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Format selects the log sink's wire shape.
type Format string

const (
	FormatJSON   Format = "json"   // structured, for log aggregation
	FormatPretty Format = "pretty" // human-readable, for local dev
)

// Config controls logger construction.
type Config struct {
	Level  string // debug|info|warn|error
	Format Format
}

// New builds a base logger with timestamp, caller, and service fields set.
// Per-component loggers are derived from it via With().Str("component", ...).
func New(cfg Config) zerolog.Logger {
	var out io.Writer = os.Stdout
	if cfg.Format == FormatPretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	return zerolog.New(out).With().
		Timestamp().
		Caller().
		Str("service", "quote-gateway").
		Logger()
}
