package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Config{Level: "WARN", Format: FormatJSON}, &buf)
	require.NoError(t, err)

	log.Info().Msg("dropped")
	log.Warn().Str("claim_id", "c1").Msg("kept")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["message"])
	assert.Equal(t, "c1", line["claim_id"])
	assert.Equal(t, "policylens", line["service"])
}

func TestNewConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Config{Format: FormatConsole}, &buf)
	require.NoError(t, err)
	log.Info().Msg("hello")
	assert.Contains(t, buf.String(), "hello")
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{Level: "loud"}, nil)
	assert.Error(t, err)
	_, err = New(Config{Format: "xml"}, nil)
	assert.Error(t, err)
}
