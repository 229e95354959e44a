// Package logger creates the zerolog loggers that veil-client's binaries and
// components use.
package logger

import (
	"io"
	"runtime/debug"

	"github.com/rs/zerolog"
)

// New creates a new logger with the given app name.
func New(app string, w io.Writer) zerolog.Logger {
	logger := zerolog.New(w).With().Timestamp().Str("app", app).Logger()
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && len(s.Value) == 40 {
				logger = logger.With().Str("commit", s.Value[:7]).Logger()
				break
			}
		}
	}
	return logger
}

// SetLevel sets the global log level if the given level is not empty.
func SetLevel(level string) error {
	if level == "" {
		return nil
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}
