package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "head", "debug")
	require.NoError(t, err)

	logger.Debug().Str("event", "directive_published").Msg("published")

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "head", record["component"])
	assert.Equal(t, "directive_published", record["event"])
	assert.Equal(t, "debug", record["level"])
	assert.Contains(t, record, "time")
}

func TestNewLevels(t *testing.T) {
	t.Run("defaults to info", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := New(&buf, "factory", "")
		require.NoError(t, err)

		logger.Debug().Msg("hidden")
		assert.Empty(t, buf.String())
		logger.Info().Msg("shown")
		assert.Contains(t, buf.String(), "shown")
	})

	t.Run("is case insensitive", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := New(&buf, "factory", "WARN")
		require.NoError(t, err)
		logger.Info().Msg("hidden")
		assert.Empty(t, buf.String())
	})

	t.Run("rejects unknown levels", func(t *testing.T) {
		_, err := New(&bytes.Buffer{}, "factory", "loud")
		assert.Error(t, err)
	})
}

func TestInit(t *testing.T) {
	previous := log.Logger
	t.Cleanup(func() { log.Logger = previous })

	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("LOG_FORMAT", "console")

	logger, err := Init("drove")
	require.NoError(t, err)
	assert.Equal(t, logger.GetLevel(), log.Logger.GetLevel())

	t.Setenv("LOG_LEVEL", "nope")
	_, err = Init("drove")
	assert.Error(t, err)
}
