package logger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew_DefaultsToInfoJSONStdout(t *testing.T) {
	log, err := New(Config{})
	require.NoError(t, err)
	defer func() { _ = log.Sync() }()

	require.False(t, log.Core().Enabled(zapcore.DebugLevel))
	require.True(t, log.Core().Enabled(zapcore.InfoLevel))
}

func TestNew_RejectsInvalidLevel(t *testing.T) {
	_, err := New(Config{Level: "chatty"})
	require.Error(t, err)
}

func TestNew_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kurodb.log")
	log, err := New(Config{Level: "debug", Format: "console", OutputFile: path})
	require.NoError(t, err)

	log.Info("hello")
	require.NoError(t, log.Sync())
	require.FileExists(t, path)
}
