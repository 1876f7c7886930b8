package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("console output goes to the configured writer", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger, err := New(Config{
			Level:   "info",
			Console: true,
			Output:  buf,
		})
		require.NoError(t, err)
		defer logger.Close()

		logger.Info().Str("stage", "list").Msg("Sending request")

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "info", entry["level"])
		assert.Equal(t, "list", entry["stage"])
		assert.Equal(t, "Sending request", entry["message"])
		assert.Contains(t, entry, "time")
	})

	t.Run("file output", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "logs", "loanrenew.log")

		logger, err := New(Config{
			Level: "debug",
			File:  logFile,
		})
		require.NoError(t, err)

		logger.Debug().Msg("test message")
		require.NoError(t, logger.Close())

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(content), "test message")
	})

	t.Run("file output with rotation", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "loanrenew.log")

		logger, err := New(Config{
			Level:   "info",
			File:    logFile,
			MaxSize: 1,
		})
		require.NoError(t, err)
		_, ok := logger.file.(*RotatingWriter)
		assert.True(t, ok)
		require.NoError(t, logger.Close())
	})

	t.Run("file appends across runs", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "loanrenew.log")

		for _, msg := range []string{"first run", "second run"} {
			logger, err := New(Config{Level: "info", File: logFile})
			require.NoError(t, err)
			logger.Info().Msg(msg)
			require.NoError(t, logger.Close())
		}

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Equal(t, 2, strings.Count(string(content), "\n"))
	})

	t.Run("redaction", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger, err := New(Config{
			Level:     "info",
			Console:   true,
			Output:    buf,
			Redaction: true,
		})
		require.NoError(t, err)
		assert.NotNil(t, logger.redactor)

		logger.Info().Str("body", `{"identificacao":"12345","senha":"hunter2"}`).Msg("Sending request")
		assert.NotContains(t, buf.String(), "hunter2")
		assert.Contains(t, buf.String(), "12345")

		var entry map[string]any
		assert.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "redacted line must stay valid JSON")
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		logger, err := New(Config{Level: "chatty"})
		require.NoError(t, err)
		defer logger.Close()
		assert.Equal(t, zerolog.InfoLevel, logger.GetZerolog().GetLevel())
	})

	t.Run("installs the global logger", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger, err := New(Config{Level: "warn", Console: true, Output: buf})
		require.NoError(t, err)
		defer logger.Close()

		log.Info().Msg("dropped")
		log.Warn().Msg("kept")
		assert.NotContains(t, buf.String(), "dropped")
		assert.Contains(t, buf.String(), "kept")
	})
}

func TestLoggerMethods(t *testing.T) {
	buf := &bytes.Buffer{}
	logger, err := New(Config{Level: "debug", Console: true, Output: buf})
	require.NoError(t, err)
	defer logger.Close()

	logger.Debug().Msg("debug message")
	logger.Info().Msg("info message")
	logger.Warn().Msg("warn message")
	logger.Error().Msg("error message")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 4)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Pretty)
	assert.True(t, cfg.Redaction)
	assert.Equal(t, 10, cfg.MaxSize)
	assert.Equal(t, 30, cfg.MaxAge)
	assert.True(t, cfg.Compress)
}

func TestLoggerWith(t *testing.T) {
	buf := &bytes.Buffer{}
	logger, err := New(Config{Level: "info", Console: true, Output: buf})
	require.NoError(t, err)
	defer logger.Close()

	child := logger.With().Str("component", "renewal").Logger()
	child.Info().Msg("hello")
	assert.Contains(t, buf.String(), `"component":"renewal"`)
}
