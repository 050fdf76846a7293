package clef

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/gelfbridge/internal/emit"
)

func TestHandler_EmitsCLEFLine(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(emit.New(&buf), slog.LevelInfo))

	logger.Info("udp receiver listening", "addr", "0.0.0.0:12201")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimRight(buf.Bytes(), "\n"), &decoded))
	assert.Equal(t, "udp receiver listening", decoded["@mt"])
	assert.Equal(t, "Information", decoded["@l"])
	assert.Equal(t, "0.0.0.0:12201", decoded["addr"])
	assert.Equal(t, 1, countByte(buf.Bytes(), '\n'))
}

func TestHandler_WithAttrsAndGroupNamespacesProperties(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(emit.New(&buf), slog.LevelInfo)).
		With("conn", "abc123").
		WithGroup("tcp")

	logger.Warn("idle timeout")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimRight(buf.Bytes(), "\n"), &decoded))
	assert.Equal(t, "Warning", decoded["@l"])
	assert.Equal(t, "abc123", decoded["conn"])
}

func TestHandler_BelowMinimumLevelIsDropped(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(emit.New(&buf), slog.LevelWarn))

	logger.Info("should not appear")

	assert.Empty(t, buf.Bytes())
}
