package logger

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")

	log, closer, err := New(Settings{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)

	log.Info("fleet started", "workers", 3)
	require.NoError(t, closer())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Equal(t, "fleet started", entry["msg"])
	assert.EqualValues(t, 3, entry["workers"])
}

func TestNewWritesTextToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")

	log, closer, err := New(Settings{Level: "info", Format: "text", Output: path})
	require.NoError(t, err)

	log.Info("text output check")
	require.NoError(t, closer())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "text output check")
}

func TestNewFiltersBelowLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")

	log, closer, err := New(Settings{Level: "warn", Format: "text", Output: path})
	require.NoError(t, err)

	log.Info("should be filtered")
	log.Warn("should appear")
	require.NoError(t, closer())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "should be filtered")
	assert.Contains(t, string(data), "should appear")
}

func TestNewRejectsUnwritablePath(t *testing.T) {
	_, _, err := New(Settings{Level: "info", Format: "text", Output: "/nonexistent/dir/app.log"})
	assert.Error(t, err)
}

func TestLevelFor(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, levelFor(tt.input), "levelFor(%q)", tt.input)
	}
}

func TestSinkStreams(t *testing.T) {
	tests := []struct {
		target string
		want   io.Writer
	}{
		{"stdout", os.Stdout},
		{"stderr", os.Stderr},
		{"", os.Stderr},
		{"discard", io.Discard},
	}
	for _, tt := range tests {
		w, closer, err := sink(tt.target)
		require.NoError(t, err, "sink(%q)", tt.target)
		assert.Equal(t, tt.want, w, "sink(%q)", tt.target)
		assert.NoError(t, closer())
	}
}

func TestSinkFileAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")

	for _, line := range []string{"first\n", "second\n"} {
		w, closer, err := sink(path)
		require.NoError(t, err)
		_, err = w.Write([]byte(line))
		require.NoError(t, err)
		require.NoError(t, closer())
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(data), "first\nsecond\n"))
}
