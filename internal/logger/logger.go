// Package logger builds the process zerolog.Logger from config.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pelusa-v/pelusa-messenger/internal/config"
)

// New returns a logger tagged with service and environment.
func New(cfg *config.Config, service string) zerolog.Logger {
	return NewWithWriter(cfg, service, os.Stderr)
}

func NewWithWriter(cfg *config.Config, service string, w io.Writer) zerolog.Logger {
	out := w
	if cfg.LogFormat != "json" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).
		With().
		Timestamp().
		Str("service", service).
		Str("environment", cfg.Environment).
		Logger().
		Level(parseLevel(cfg.LogLevel))
}

func parseLevel(raw string) zerolog.Level {
	if raw == "" {
		return zerolog.InfoLevel
	}
	level, err := zerolog.ParseLevel(strings.ToLower(raw))
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}
