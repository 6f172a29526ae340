// Package logx builds the zerolog loggers used across the services.
package logx

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New returns a service-tagged JSON logger writing to stderr.
func New(service, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).
		Level(lvl).
		With().
		Timestamp().
		Str("service", service).
		Logger()
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
