package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/storefront/internal/config"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"info":    slog.LevelInfo,
		" DEBUG ": slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for name, want := range cases {
		got, err := ParseLevel(name)
		require.NoError(t, err, name)
		require.Equal(t, want, got, name)
	}
	_, err := ParseLevel("verbose")
	require.Error(t, err)
}

func TestNewRejectsUnknownSettings(t *testing.T) {
	_, _, err := New(config.LoggingConfig{Level: "verbose"})
	require.Error(t, err)
	_, _, err = New(config.LoggingConfig{Format: "binary"})
	require.Error(t, err)
}

func TestNewWithWriterTagsServiceAndFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := NewWithWriter(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Info("dropped")
	require.Zero(t, buf.Len())

	logger.Warn("kept")
	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	require.Equal(t, "kept", record["msg"])
	require.Equal(t, "storefront", record["service"])
}

func TestApplyChangesLevelInPlace(t *testing.T) {
	var buf bytes.Buffer
	logger, level, err := NewWithWriter(config.LoggingConfig{Level: "error", Format: "text"}, &buf)
	require.NoError(t, err)
	child := logger.With(slog.String("agent", "catalog"))

	child.Info("before")
	require.Zero(t, buf.Len())

	require.NoError(t, Apply(level, config.LoggingConfig{Level: "debug"}))
	child.Debug("after")
	require.True(t, strings.Contains(buf.String(), "msg=after"), buf.String())

	require.Error(t, Apply(level, config.LoggingConfig{Level: "loud"}))
	require.Equal(t, slog.LevelDebug, level.Level(), "rejected level keeps the current one")
	require.NoError(t, Apply(nil, config.LoggingConfig{Level: "debug"}))
}

func TestOrDiscard(t *testing.T) {
	require.NotNil(t, OrDiscard(nil))
	logger, _, err := New(config.LoggingConfig{})
	require.NoError(t, err)
	require.Same(t, logger, OrDiscard(logger))
}
