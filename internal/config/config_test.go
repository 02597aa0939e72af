package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apperrors "github.com/wfunc/uart-probe/internal/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, "auto", cfg.Serial.Port)
	assert.Equal(t, 115200, cfg.Serial.BaudRate)
	assert.Equal(t, 8, cfg.Serial.DataBits)
	assert.Equal(t, 1, cfg.Serial.StopBits)
	assert.Equal(t, "N", cfg.Serial.Parity)
	assert.Equal(t, 0xAA, cfg.Serial.Mock.Reply)

	assert.Equal(t, 100*time.Millisecond, cfg.Probe.DefaultTimeout)
	assert.Equal(t, 5*time.Millisecond, cfg.Probe.PollInterval)
	assert.Equal(t, time.Second, cfg.Probe.SequenceDelay)
	assert.Equal(t, 50*time.Millisecond, cfg.Probe.ContinuousTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Probe.ContinuousDelay)
	assert.Equal(t, "q", cfg.Probe.ExitToken)

	assert.Equal(t, "log", cfg.Indicator.Kind)
	assert.Equal(t, 3, cfg.Indicator.StartupPulses)
	assert.False(t, cfg.Monitor.Enabled)
	assert.Equal(t, "127.0.0.1:9090", cfg.Monitor.Addr())
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
serial:
  port: /dev/ttyACM1
  mock_mode: true
  mock:
    fail_every: 15
probe:
  default_timeout: 250ms
  exit_token: quit
monitor:
  enabled: true
  port: 9191
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyACM1", cfg.Serial.Port)
	assert.True(t, cfg.Serial.MockMode)
	assert.Equal(t, 15, cfg.Serial.Mock.FailEvery)
	assert.Equal(t, 250*time.Millisecond, cfg.Probe.DefaultTimeout)
	assert.Equal(t, "quit", cfg.Probe.ExitToken)
	assert.True(t, cfg.Monitor.Enabled)
	assert.Equal(t, 9191, cfg.Monitor.Port)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"非8N1帧格式", "serial:\n  parity: E\n"},
		{"波特率为0", "serial:\n  baud_rate: 0\n"},
		{"轮询间隔为0", "probe:\n  poll_interval: 0s\n"},
		{"空退出符", "probe:\n  exit_token: \"  \"\n"},
		{"应答字节越界", "serial:\n  mock:\n    reply: 300\n"},
		{"未知指示灯", "indicator:\n  kind: laser\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.ErrConfigValidate), "got %v", err)
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrConfigLoad))
}
