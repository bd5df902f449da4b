package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("create logger with console output", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := New(Config{Level: "info", Console: true, Out: &buf})
		require.NoError(t, err)
		defer logger.Close()

		zl := logger.Zerolog()
		zl.Info().Str("serverDir", "/srv/app").Msg("Syncing to")

		assert.Contains(t, buf.String(), `"serverDir":"/srv/app"`)
		assert.Contains(t, buf.String(), `"message":"Syncing to"`)
	})

	t.Run("create logger with file output", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "logs", "sync.log")

		logger, err := New(Config{Level: "debug", File: logFile})
		require.NoError(t, err)

		zl := logger.Zerolog()
		zl.Debug().Msg("test message")
		require.NoError(t, logger.Close())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), "test message")
	})

	t.Run("mask the configured secret", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := New(Config{
			Level:     "info",
			Console:   true,
			Out:       &buf,
			Redaction: true,
			Secrets:   []string{"hunter2"},
		})
		require.NoError(t, err)
		defer logger.Close()

		zl := logger.Zerolog()
		zl.Info().Str("received", "hunter2").Msg("auth")

		assert.NotContains(t, buf.String(), "hunter2")
		assert.Contains(t, buf.String(), "[REDACTED]")
	})

	t.Run("filter below the configured level", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := New(Config{Level: "warn", Console: true, Out: &buf})
		require.NoError(t, err)
		defer logger.Close()

		zl := logger.Zerolog()
		zl.Info().Msg("hidden")
		zl.Warn().Msg("shown")

		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
	})

	t.Run("install the global logger", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := New(Config{Level: "info", Console: true, Out: &buf})
		require.NoError(t, err)
		defer logger.Close()

		log.Info().Msg("from global")
		assert.Contains(t, buf.String(), "from global")
	})

	t.Run("tag component loggers", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := New(Config{Level: "info", Console: true, Out: &buf})
		require.NoError(t, err)
		defer logger.Close()

		c := logger.Component("lifecycle")
		c.Info().Msg("ready")
		assert.Contains(t, buf.String(), `"component":"lifecycle"`)
	})
}
