package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel(" WARN "))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}

func TestNewRespectsLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, Options{Level: "warn", Format: "json"})
	log.Info("dropped")
	log.Warn("kept", "project_id", "p1")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, `"msg":"kept"`)
	assert.Contains(t, out, `"project_id":"p1"`)
}

func TestOpenWritesWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	log, closer, err := Open(Options{Workspace: dir, Level: "info"})
	require.NoError(t, err)
	log.Info("hello")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(filepath.Join(dir, ".callsheet", "logs", "callsheet.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "msg=hello")
}
