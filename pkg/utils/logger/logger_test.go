package logger

import (
	"marquee/pkg/models"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "marquee.log")
	l, err := NewLogger(&models.LogConfig{
		ToFile:       true,
		FilePath:     path,
		Prefix:       "[Marquee]",
		DebugEnabled: true,
	})
	require.NoError(t, err)

	l.Info("cache opened")
	l.Debug("probe disk tier")
	l.Warn("low space")
	l.Error("decode failed")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, "cache opened")
	assert.Contains(t, out, "probe disk tier")
	assert.Contains(t, out, "low space")
	assert.Contains(t, out, "decode failed")
	assert.Contains(t, out, "Marquee")
}

func TestNewLogger_DebugDisabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marquee.log")
	l, err := NewLogger(&models.LogConfig{ToFile: true, FilePath: path, Json: true})
	require.NoError(t, err)

	l.Debug("hidden")
	l.Info("shown")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), `"msg":"shown"`)
}

func TestNop(t *testing.T) {
	l := NewNop()
	l.Info("x")
	l.Debug("x")
	assert.NoError(t, l.Close())
}
