// Package logging configures the zerolog logger shared by the sync
// daemon's run loop and HTTP status surface.
package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds a base logger writing structured JSON to stdout at the given
// level, falling back to info on an unrecognized level string.
func New(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger().Level(lvl)
}

// Component returns a child logger tagged with the subsystem it belongs
// to, so a run's log lines can be filtered by component without threading
// separate loggers through every constructor call.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}
