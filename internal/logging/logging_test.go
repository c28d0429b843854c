package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cyvadra/tv-compliance/internal/config"
)

func TestNewWithWriter(t *testing.T) {
	t.Run("JSON output with component", func(t *testing.T) {
		var buf bytes.Buffer
		logger := Component(NewWithWriter(config.LoggingConfig{Level: "debug", Format: "json"}, &buf), "engine")
		logger.Info().Str("symbol", "BTCUSDT").Msg("evaluated")

		var line map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		assert.Equal(t, "engine", line["component"])
		assert.Equal(t, "tv-compliance", line["service"])
		assert.Equal(t, "BTCUSDT", line["symbol"])
		assert.Equal(t, "evaluated", line["message"])
	})

	t.Run("Level filtering", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewWithWriter(config.LoggingConfig{Level: "warn"}, &buf)
		logger.Info().Msg("hidden")
		assert.Empty(t, buf.String())

		logger.Warn().Msg("shown")
		assert.Contains(t, buf.String(), "shown")
	})

	t.Run("Unknown level falls back to info", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewWithWriter(config.LoggingConfig{Level: "loud"}, &buf)
		logger.Debug().Msg("hidden")
		logger.Info().Msg("shown")
		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
	})
}
