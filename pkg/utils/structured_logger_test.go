package utils

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T, level LogLevel, format LogFormat) (*StructuredLogger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger, err := NewStructuredLogger(&StructuredLoggerConfig{
		Level:  level,
		Output: &buf,
		Format: format,
	})
	require.NoError(t, err)
	return logger, &buf
}

func TestNewStructuredLogger(t *testing.T) {
	logger, _ := newTestLogger(t, DEBUG, FormatText)
	assert.Equal(t, DEBUG, logger.GetLevel())

	_, err := NewStructuredLogger(&StructuredLoggerConfig{Output: nil})
	assert.Error(t, err)
}

func TestLogLevels(t *testing.T) {
	logger, buf := newTestLogger(t, INFO, FormatText)

	logger.Debug("debug message")
	assert.Zero(t, buf.Len(), "debug logged below INFO")

	logger.Info("info message")
	assert.Contains(t, buf.String(), "info message")

	buf.Reset()
	logger.Warn("warn message")
	assert.Contains(t, buf.String(), "warn message")

	buf.Reset()
	logger.Errorf("error %d", 42)
	assert.Contains(t, buf.String(), "error 42")
}

func TestJSONFormatWithFields(t *testing.T) {
	logger, buf := newTestLogger(t, DEBUG, FormatJSON)

	logger.WithComponent("cache").Info("entry stored", map[string]interface{}{
		"key":  "cache_produtos_9",
		"size": 128,
	})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "entry stored", entry["msg"])
	assert.Equal(t, "cache", entry["component"])
	assert.Equal(t, "cache_produtos_9", entry["key"])
	assert.EqualValues(t, 128, entry["size"])
}

func TestComponentLevels(t *testing.T) {
	logger, buf := newTestLogger(t, INFO, FormatText)
	logger.SetComponentLevel("preload", ERROR)

	preload := logger.WithComponent("preload")
	preload.Warn("suppressed")
	assert.Zero(t, buf.Len())

	preload.Error("visible")
	assert.Contains(t, buf.String(), "visible")

	buf.Reset()
	logger.WithComponent("cache").Warn("other component")
	assert.Contains(t, buf.String(), "other component")
}

func TestWithFieldsIsolation(t *testing.T) {
	logger, buf := newTestLogger(t, INFO, FormatLogfmt)

	child := logger.WithFields(map[string]interface{}{"type": "caixas"})
	logger.Info("parent")
	assert.NotContains(t, buf.String(), "caixas")

	buf.Reset()
	child.Info("child")
	assert.True(t, strings.Contains(buf.String(), "type=caixas"), buf.String())
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"debug", DEBUG, false},
		{"INFO", INFO, false},
		{"warning", WARN, false},
		{"Error", ERROR, false},
		{"loud", INFO, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParseLogFormat(t *testing.T) {
	f, err := ParseLogFormat("json")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	_, err = ParseLogFormat("xml")
	assert.Error(t, err)
}

func TestNopLogger(t *testing.T) {
	logger := NewNopLogger()
	logger.Error("nothing happens")
	logger.WithComponent("x").Info("still nothing")
}
