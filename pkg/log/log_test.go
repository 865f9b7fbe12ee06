package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}

	for name, want := range tests {
		assert.Equal(t, want, ParseLevel(name), name)
	}
}

func TestNewHandler(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(NewHandler(&buf, "warn", FormatJSON))
	logger.Info("dropped")
	logger.Warn("kept", "execution_id", "exec-1")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "kept", record["msg"])
	assert.Equal(t, "exec-1", record["execution_id"])

	buf.Reset()
	slog.New(NewHandler(&buf, "info", FormatPretty)).Info("hello", "flow_id", "f-1")
	assert.Contains(t, buf.String(), "hello")
	assert.Contains(t, buf.String(), "flow_id=f-1")
	assert.NotContains(t, buf.String(), "\x1b[")

	buf.Reset()
	slog.New(NewHandler(&buf, "info", FormatText)).Info("plain")
	assert.Contains(t, buf.String(), "msg=plain")
}
