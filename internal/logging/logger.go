// Package logging builds the process slog.Logger. The level is held in a
// slog.LevelVar so a settings reload can change verbosity in place.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/l0p7/storefront/internal/config"
)

// ParseLevel maps a configured level name to slog. Empty means info.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("logging: unsupported level %q", name)
}

// New writes to stdout.
func New(cfg config.LoggingConfig) (*slog.Logger, *slog.LevelVar, error) {
	return NewWithWriter(cfg, os.Stdout)
}

// NewWithWriter returns the logger and the LevelVar controlling it.
func NewWithWriter(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, *slog.LevelVar, error) {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	level := new(slog.LevelVar)
	level.Set(lvl)

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "json", "":
		handler = slog.NewJSONHandler(w, opts)
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, nil, fmt.Errorf("logging: unsupported format %q", cfg.Format)
	}
	return slog.New(handler).With(slog.String("service", "storefront")), level, nil
}

// Apply sets level from a reloaded snapshot. Format changes need a restart.
func Apply(level *slog.LevelVar, cfg config.LoggingConfig) error {
	if level == nil {
		return nil
	}
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	level.Set(lvl)
	return nil
}

// OrDiscard returns logger, or one that drops every record when nil.
func OrDiscard(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
