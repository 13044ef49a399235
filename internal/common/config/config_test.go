package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o644))
	return dir
}

func TestDefaults(t *testing.T) {
	cfg, err := LoadWithPath(writeConfig(t, "acceptRisk: true\n"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8765, cfg.Server.Port)
	assert.Equal(t, "copilot", cfg.Agent.Binary)
	assert.Equal(t, 300, cfg.Supervisor.CheckInterval)
	assert.Equal(t, 20, cfg.RateLimit.MaxCalls)
	assert.Equal(t, 60*time.Second, cfg.RateLimit.RateWindow())
	assert.Equal(t, "pairing", cfg.Pairing.Mode)
	assert.True(t, cfg.AcceptRisk)
	assert.False(t, cfg.ClearStateOnBoot)
}

func TestFileOverrides(t *testing.T) {
	cfg, err := LoadWithPath(writeConfig(t, `
acceptRisk: true
server:
  port: 9000
agent:
  binary: claude
  timeout: 120
watchdog:
  interval: 2
`))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "claude", cfg.Agent.Binary)
	assert.Equal(t, 120*time.Second, cfg.Agent.AgentTimeout())
	// watchdog interval is clamped to its floor
	assert.Equal(t, 5, cfg.Watchdog.Interval)
}

func TestValidationRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"bad port", "server:\n  port: 0\n"},
		{"missing binary", "agent:\n  binary: \"\"\n"},
		{"bad log level", "logging:\n  level: loud\n"},
		{"bad pairing mode", "pairing:\n  mode: friendly\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadWithPath(writeConfig(t, tc.body))
			assert.Error(t, err)
		})
	}
}

func TestTasksDir(t *testing.T) {
	cfg, err := LoadWithPath(writeConfig(t, `
paths:
  workspaceRoot: /srv/agent
`))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/srv/agent", ".tasks"), cfg.Paths.TasksDir())
}

func TestAllowFromEnvVar(t *testing.T) {
	assert.Equal(t, "DISPATCHD_CHANNELS_TELEGRAM_ALLOWFROM", AllowFromEnvVar("telegram"))
	assert.Equal(t, "DISPATCHD_CHANNELS_SLACK_ALLOWFROM", AllowFromEnvVar("slack"))
}
