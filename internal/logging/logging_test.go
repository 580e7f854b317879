package logging_test

import (
	"bytes"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/signalnine/driverbench/internal/config"
	"github.com/signalnine/driverbench/internal/logging"
)

func TestJSONConsole(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(config.Logging{Level: "info", Format: "json"}, zapcore.AddSync(&buf))
	require.NoError(t, err)
	logger.Named("runner").Info("task done", zap.String("task", "ldd"), zap.Int("iterations", 3))
	logger.Debug("hidden")
	require.NoError(t, logger.Sync())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "task done", entry["msg"])
	assert.Equal(t, "driverbench.runner", entry["logger"])
	assert.Equal(t, "ldd", entry["task"])
	assert.Equal(t, "INFO", entry["level"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(config.Logging{Level: "warn", Format: "console"}, zapcore.AddSync(&buf))
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestUnknownLevel(t *testing.T) {
	_, err := logging.New(config.Logging{Level: "chatty"}, zapcore.AddSync(&bytes.Buffer{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.level")
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "driverbench.log")
	var console bytes.Buffer
	logger, err := logging.New(config.Logging{Level: "debug", Format: "console", File: path, MaxSizeMB: 1}, zapcore.AddSync(&console))
	require.NoError(t, err)
	logger.Debug("to both", zap.String("tool", "compiler"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"tool":"compiler"`)
	assert.Contains(t, console.String(), "to both")
}

func TestInstallRedirectsStdLog(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(config.Logging{Level: "info", Format: "json"}, zapcore.AddSync(&buf))
	require.NoError(t, err)
	restore := logging.Install(logger)
	defer restore()

	log.Printf("warning: %s", "legacy")
	assert.Contains(t, buf.String(), "warning: legacy")
}
