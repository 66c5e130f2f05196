package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewJSONLogger(t *testing.T) {
	log, err := New("debug", "json", "stdout")
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zapcore.DebugLevel))
}

func TestNewConsoleLogger(t *testing.T) {
	log, err := New("warn", "console", "")
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, log.Core().Enabled(zapcore.WarnLevel))
}

func TestNewDefaultsToInfo(t *testing.T) {
	log, err := New("", "json", "")
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, log.Core().Enabled(zapcore.DebugLevel))
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New("shouting", "json", "")
	assert.ErrorContains(t, err, "shouting")
}

func TestNewWritesToFile(t *testing.T) {
	path := t.TempDir() + "/engine.log"
	log, err := New("info", "json", path)
	require.NoError(t, err)

	log.Info("started")
	require.NoError(t, log.Sync())

	assert.FileExists(t, path)
}
