package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]zapcore.Level{
		"":        zapcore.InfoLevel,
		"debug":   zapcore.DebugLevel,
		"WARNING": zapcore.WarnLevel,
		" error ": zapcore.ErrorLevel,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	require.Error(t, err)
}

func TestNew_WritesJSONFileAtLevel(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logs", "nodie.log")
	log, closeFn, err := New("warn", path)
	require.NoError(t, err)

	log.Info("dropped")
	log.Warn("kept", zap.String("node_id", "n1"))
	closeFn()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "kept", entry["msg"])
	assert.Equal(t, "n1", entry["node_id"])
}
