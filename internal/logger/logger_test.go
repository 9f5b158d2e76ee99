package logger_test

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rrens/llm-chat-relay/internal/config"
	"github.com/Rrens/llm-chat-relay/internal/logger"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, logger.ParseLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, logger.ParseLevel("warn"))
	assert.Equal(t, zerolog.InfoLevel, logger.ParseLevel("bogus"))
}

func TestNew_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	l, closer, err := logger.New(logger.Options{Level: "info", Output: &buf})
	require.NoError(t, err)
	defer closer.Close()

	l.Debug().Msg("hidden")
	l.Info().Str("owner", "u1").Msg("visible")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "visible", entry["message"])
	assert.Equal(t, "u1", entry["owner"])
	assert.Equal(t, "llm-chat-relay", entry["service"])
}

func TestNew_FileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")
	var buf bytes.Buffer

	l, closer, err := logger.New(logger.Options{Level: "info", Output: &buf, File: path})
	require.NoError(t, err)

	l.Info().Msg("to file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}

func TestFromConfig(t *testing.T) {
	opts := logger.FromConfig(config.LoggingConfig{Level: "debug", Format: "console"}, "development")
	assert.True(t, opts.Pretty)

	opts = logger.FromConfig(config.LoggingConfig{Level: "debug", Format: "console"}, "production")
	assert.False(t, opts.Pretty)
}
