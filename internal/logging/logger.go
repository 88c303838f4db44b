package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/audun/patchsilence/internal/config"
)

// NewLogger creates the root structured logger. Component loggers are
// derived from it via logger.With().Str("component", ...). The sink is
// stdout or an append-only file, per config.
func NewLogger(cfg *config.Config) (zerolog.Logger, error) {
	var sink io.Writer = os.Stdout
	if cfg.Log.Sink != "" && cfg.Log.Sink != "stdout" {
		f, err := os.OpenFile(cfg.Log.Sink, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("open log sink %s: %w", cfg.Log.Sink, err)
		}
		sink = f
	}

	logger := zerolog.New(sink).With().Timestamp().Logger()

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	return logger.Level(level), nil
}
