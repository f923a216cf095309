package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewJSON verifies the json format emits one object per event.
func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "json")
	l.Info().Str("pattern", "lobby").Msg("hello")

	var event map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &event))
	assert.Equal(t, "hello", event["message"])
	assert.Equal(t, "lobby", event["pattern"])
}

// TestComponent verifies component loggers carry their name.
func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	old := log.Logger
	defer func() { log.Logger = old }()

	log.Logger = New(&buf, "json")
	l := Component("master")
	l.Warn().Msg("x")

	assert.Contains(t, buf.String(), `"component":"master"`)
}

// TestSetupFallbacks verifies unknown levels fall back to info and files are created.
func TestSetupFallbacks(t *testing.T) {
	oldLevel := zerolog.GlobalLevel()
	oldLogger := log.Logger
	defer func() {
		zerolog.SetGlobalLevel(oldLevel)
		log.Logger = oldLogger
	}()

	path := filepath.Join(t.TempDir(), "drover.log")
	Setup(Config{Level: "loud", Format: "json", Output: path})
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())

	log.Info().Msg("to file")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}
