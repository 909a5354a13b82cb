// Package logging configures the process-wide zerolog logger.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds the service logger. Output is JSON; set MEETSCRIBE_LOG_PRETTY=1
// for a human-readable console writer during development.
func New(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var out = os.Stdout
	logger := zerolog.New(out)
	if os.Getenv("MEETSCRIBE_LOG_PRETTY") == "1" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen})
	}
	return logger.Level(lvl).With().Timestamp().Str("service", "meetscribe").Logger()
}
