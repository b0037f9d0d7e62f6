package logger_test

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketdata/internal/logger"
)

func TestConfigure_JSONWithComponent(t *testing.T) {
	t.Parallel()

	// Arrange
	log := logger.New()
	require.NoError(t, log.Configure("info", "json", "stdout", 0))
	buf := &bytes.Buffer{}
	log.SetOutput(buf)

	// Act
	log.WithComponent("routing").WithFields(logger.Fields{"source": "finmind"}).Info("selected")

	// Assert
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "selected", line["message"])
	require.Equal(t, "routing", line["component"])
	require.Equal(t, "finmind", line["source"])
	require.Equal(t, "info", line["level"])
}

func TestConfigure_RejectsBadInput(t *testing.T) {
	t.Parallel()

	log := logger.New()
	require.Error(t, log.Configure("loud", "json", "stdout", 0))
	require.Error(t, log.Configure("info", "xml", "stdout", 0))
}

func TestConfigure_LevelFilters(t *testing.T) {
	t.Parallel()

	log := logger.New()
	require.NoError(t, log.Configure("warn", "text", "stderr", 0))
	buf := &bytes.Buffer{}
	log.SetOutput(buf)

	log.WithComponent("cache").Info("hidden")
	require.Zero(t, buf.Len())

	log.WithComponent("cache").LogDuration("get", time.Millisecond, nil)
	require.Zero(t, buf.Len())

	log.WithComponent("cache").Warn("shown")
	require.Contains(t, buf.String(), "shown")
}

func TestConfigure_FileOutput(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "app.log")
	log := logger.New()
	require.NoError(t, log.Configure("debug", "json", path, 0))
	log.WithComponent("test").Info("to file")
	require.FileExists(t, path)
}
