// Package logging sets up bulkimportd's root zerolog.Logger, following
// the teacher CLI entrypoints' console-writer-with-level idiom.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds the root logger for the given level name ("trace", "debug",
// "info", "warn", "error"; unrecognized values fall back to "info").
// When pretty is true, output goes through a human-readable
// zerolog.ConsoleWriter; otherwise it is newline-delimited JSON on stdout.
func New(level string, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(lvl).With().Timestamp().Logger()
}
