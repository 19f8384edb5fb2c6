package logger_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"armguard/internal/logger"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"debug":   zerolog.DebugLevel,
		"INFO":    zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"warn":    zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
	}
	for in, want := range tests {
		got, err := logger.ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := logger.ParseLevel("chatty")
	assert.Error(t, err)
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	log, err := logger.NewWithWriter(&buf, "info", false)
	require.NoError(t, err)

	log.Debug().Msg("hidden")
	log.Info().Str("camera_id", "cam-1").Msg("camera started")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "camera started", entry["message"])
	assert.Equal(t, "cam-1", entry["camera_id"])
	assert.Equal(t, "armguard", entry["service"])
	assert.Equal(t, "info", entry["level"])
}

func TestPrettyOutput(t *testing.T) {
	var buf bytes.Buffer
	log, err := logger.NewWithWriter(&buf, "debug", true)
	require.NoError(t, err)

	log.Debug().Msg("frame dropped")
	assert.Contains(t, buf.String(), "frame dropped")
	assert.Contains(t, buf.String(), "DBG")
}
