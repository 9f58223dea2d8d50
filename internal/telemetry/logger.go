// Package telemetry builds the process logger and tracer provider.
package telemetry

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/torua-audit/internal/config"
)

// NewLogger returns a logger writing to stderr at cfg.Level. Unknown levels
// fall back to info.
func NewLogger(cfg config.Logging, component string) zerolog.Logger {
	return newLogger(os.Stderr, cfg, component)
}

func newLogger(w io.Writer, cfg config.Logging, component string) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("component", component).Logger()
}
