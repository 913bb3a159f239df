package log

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetLogger(t *testing.T) {
	t.Cleanup(func() {
		Logger = zerolog.Nop()
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	})
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   DebugLevel,
		"info":    InfoLevel,
		"warn":    WarnLevel,
		"warning": WarnLevel,
		"error":   ErrorLevel,
		"":        InfoLevel,
		"verbose": InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestInitJSONWithFields(t *testing.T) {
	resetLogger(t)
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})

	logger := WithGroup("taskmanagers")
	logger.Info().Int("instances", 3).Msg("Scaled group")
	Debug("dropped below info")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec))
	assert.Equal(t, "taskmanagers", rec["task_group"])
	assert.Equal(t, "Scaled group", rec["message"])
	assert.EqualValues(t, 3, rec["instances"])
}

func TestInitWritesFileTarget(t *testing.T) {
	resetLogger(t)
	dir := filepath.Join(t.TempDir(), "logs")
	var console bytes.Buffer
	Init(Config{
		Level:  DebugLevel,
		Output: &console,
		File:   &FileTarget{Path: dir, FileName: "flink-framework.log"},
	})

	logger := WithComponent("lifecycle")
	logger.Warn().Str("phase", "subscribing").Msg("Registration slow")

	assert.Contains(t, console.String(), "Registration slow")

	data, err := os.ReadFile(filepath.Join(dir, "flink-framework.log"))
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &rec))
	assert.Equal(t, "lifecycle", rec["component"])
	assert.Equal(t, "warn", rec["level"])
}
