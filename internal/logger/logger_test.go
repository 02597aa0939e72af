package logger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/uart-probe/internal/config"
	apperrors "github.com/wfunc/uart-probe/internal/errors"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warn"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("info"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("verbose"))
}

func TestInitWritesRotatedFiles(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.LogConfig{
		Level:  "debug",
		Format: "json",
		Output: "file",
		File: config.LogFileConfig{
			Path:       dir,
			Filename:   "probe.log",
			MaxSize:    1,
			MaxAge:     1,
			MaxBackups: 1,
		},
		Modules: map[string]string{"serial": "warn"},
	}
	require.NoError(t, Init(cfg))
	defer Cleanup()

	Info("probe started")
	Error("link lost")
	LogError(apperrors.New(apperrors.ErrLinkRead, "ttyACM0"), "exchange aborted")
	LogExchange("sequence", 0x10, "timed_out", 50*time.Millisecond, false)
	_ = Sync()

	data, err := os.ReadFile(filepath.Join(dir, "probe.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "probe started")

	errData, err := os.ReadFile(filepath.Join(dir, "error.log"))
	require.NoError(t, err)
	assert.Contains(t, string(errData), "link lost")
	assert.NotContains(t, string(errData), "probe started")
	assert.Contains(t, string(errData), `"code":3002`)
	assert.Contains(t, string(errData), `"stack"`)

	assert.NotNil(t, WithModule("serial"))
	assert.NotNil(t, WithModule("unknown"))
}
