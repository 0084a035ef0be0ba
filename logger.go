package datamapper

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type LogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	// Format is "json" (default) or "console".
	Format string `yaml:"format"`
}

// NewLogger builds the logger handed to WithLogger and WithGatewayLogger.
// Unknown or empty levels fall back to info.
func NewLogger(cfg LogConfig, out io.Writer) zerolog.Logger {
	if !cfg.Enabled {
		return zerolog.Nop()
	}

	if out == nil {
		out = os.Stdout
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("component", "datamapper").
		Logger()
}
