package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("CONTINUITY_CONFIG", "")

	cfg, err := LoadConfig()

	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.SyncInterval)
	assert.Equal(t, 5*time.Second, cfg.ReconnectDelay)
	assert.Equal(t, 10, cfg.MaxReconnectAttempts)
	assert.Equal(t, 100, cfg.NotificationCap)
	assert.Equal(t, "ws://localhost:8080", cfg.RealtimeURL, "realtime URL should derive from the API URL")
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	// ARRANGE: file sets several values, env overrides one of them
	dir := t.TempDir()
	path := filepath.Join(dir, "continuity.yaml")
	content := `
api_base_url: https://bank.example.com
sync_interval: 45s
max_reconnect_attempts: 3
endpoints: [devices]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("CONTINUITY_CONFIG", path)
	t.Setenv("SYNC_INTERVAL", "1m")

	// ACT
	cfg, err := LoadConfig()

	// ASSERT
	require.NoError(t, err)
	assert.Equal(t, "https://bank.example.com", cfg.APIBaseURL)
	assert.Equal(t, "wss://bank.example.com", cfg.RealtimeURL)
	assert.Equal(t, time.Minute, cfg.SyncInterval, "env should win over file")
	assert.Equal(t, 3, cfg.MaxReconnectAttempts)
	assert.Equal(t, []string{"devices"}, cfg.Endpoints)
}

func TestLoadConfig_InvalidDuration(t *testing.T) {
	t.Setenv("CONTINUITY_CONFIG", "")
	t.Setenv("REQUEST_TIMEOUT", "soon")

	_, err := LoadConfig()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "REQUEST_TIMEOUT")
}

func TestValidate_StoreDriverRequirements(t *testing.T) {
	cfg := Default()
	cfg.StoreDriver = "redis"
	assert.Error(t, cfg.Validate(), "redis store needs REDIS_URL")

	cfg.RedisURL = "redis://localhost:6379/0"
	assert.NoError(t, cfg.Validate())

	cfg.StoreDriver = "etcd"
	assert.Error(t, cfg.Validate())
}
