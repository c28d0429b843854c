package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeFile(t, "config.yaml", `
server:
  port: "9090"
monitor:
  interval: 5m
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, int64(1<<20), cfg.Server.MaxBodyBytes)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "UTC", cfg.Compliance.Timezone)
	assert.Equal(t, 0.8, cfg.Compliance.WarningRatio)
	assert.Equal(t, 1.5, cfg.Compliance.CriticalRatio)
	assert.Equal(t, 10*time.Second, cfg.Notification.Timeout)
	assert.Equal(t, 2, cfg.Notification.RetryCount)
	assert.Equal(t, 5*time.Minute, cfg.Monitor.Interval)
	// Omitted booleans keep their defaults
	assert.True(t, cfg.Monitor.Enabled)
	assert.True(t, cfg.RateLimit.Enabled)
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := map[string]string{
		"driver":   "database:\n  driver: mysql\n",
		"timezone": "compliance:\n  timezone: Mars/Olympus\n",
		"warning":  "compliance:\n  warning_ratio: 1.2\n",
		"critical": "compliance:\n  critical_ratio: 0.5\n",
		"yaml":     "server: [",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeFile(t, "config.yaml", content))
			assert.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestUserConfigRoundTrip(t *testing.T) {
	path := writeFile(t, "users.yaml", `
users:
  - name: Alice
    email: alice@example.com
    subscription:
      plan: pro
      status: active
    accounts:
      - name: main
        broker: paper
        balance: 1000
    rules:
      - name: hours
        type: trading_hours
        is_active: false
        config:
          start: "09:30"
          end: "16:00"
`)

	cfg, err := LoadUserConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Users, 1)
	user := cfg.Users[0]
	assert.True(t, Enabled(user.IsActive))
	assert.False(t, Enabled(user.Rules[0].IsActive))
	assert.Equal(t, "09:30", user.Rules[0].Config["start"])

	user.WebhookToken = "generated"
	cfg.Users[0] = user
	require.NoError(t, SaveUserConfig(cfg, path))

	reloaded, err := LoadUserConfig(path)
	require.NoError(t, err)
	require.Len(t, reloaded.Users, 1)
	assert.Equal(t, "generated", reloaded.Users[0].WebhookToken)
	assert.Equal(t, "alice@example.com", reloaded.Users[0].Email)
	assert.Equal(t, "09:30", reloaded.Users[0].Rules[0].Config["start"])
}
