package main

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]zapcore.Level{
		"debug":   zap.DebugLevel,
		"DEBUG":   zap.DebugLevel,
		"warn":    zap.WarnLevel,
		"warning": zap.WarnLevel,
		"error":   zap.ErrorLevel,
		"info":    zap.InfoLevel,
		"":        zap.InfoLevel,
		"bogus":   zap.InfoLevel,
	}

	for input, want := range cases {
		assert.Equal(t, want, parseLogLevel(input), input)
	}
}

func TestBuildLoggerWritesJSONToFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cube-mcp.log")
	logger, err := buildLogger(path, "debug")
	require.NoError(t, err)

	assert.True(t, logger.Core().Enabled(zap.DebugLevel))
	logger.Info("read_data called", zap.String("data_id", "abc"))
	require.NoError(t, logger.Sync())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
	assert.Equal(t, "read_data called", entry["msg"])
	assert.Equal(t, "abc", entry["data_id"])
	assert.Contains(t, entry, "ts")
	assert.Equal(t, "cube-mcp", entry["service"])
}

func TestLoggerConfigDefaultsToStderr(t *testing.T) {
	t.Parallel()

	cfg, err := loggerConfig("", "warn")
	require.NoError(t, err)
	assert.Equal(t, []string{"stderr"}, cfg.OutputPaths)
	assert.Equal(t, []string{"stderr"}, cfg.ErrorOutputPaths)
	assert.Nil(t, cfg.Sampling)
	assert.Equal(t, zap.WarnLevel, cfg.Level.Level())
	assert.Equal(t, "json", cfg.Encoding)
}

func TestBuildLoggerRespectsLevel(t *testing.T) {
	t.Parallel()

	logger, err := buildLogger(filepath.Join(t.TempDir(), "cube-mcp.log"), "error")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.InfoLevel))
	assert.True(t, logger.Core().Enabled(zap.ErrorLevel))
}

func TestBuildLoggerRejectsUnwritablePath(t *testing.T) {
	t.Parallel()

	_, err := buildLogger(filepath.Join(t.TempDir(), "missing", "dir", "cube-mcp.log"), "info")
	assert.Error(t, err)
}
