package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(EnvConfigFile, "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 10*time.Minute, cfg.RoomGracePeriod)
	assert.Equal(t, 2*time.Second, cfg.TypingTTL)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.NotEmpty(t, cfg.ServerName)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.ICE.URLs)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(EnvConfigFile, "")
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("ROOM_GRACE_PERIOD", "0s")
	t.Setenv("NATS_URL", "nats://nats:4222")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("SERVER_NAME", "ws-7")
	t.Setenv("ICE_URLS", "stun:a.example:3478,stun:b.example:3478")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, time.Duration(0), cfg.RoomGracePeriod)
	assert.Equal(t, "nats://nats:4222", cfg.NATS.URL)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "ws-7", cfg.ServerName)
	assert.Equal(t, []string{"stun:a.example:3478", "stun:b.example:3478"}, cfg.ICE.URLs)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rendezvous.yaml")
	data := []byte(`
listen_addr: ":7000"
typing_ttl: 3s
redis:
  enabled: false
background:
  workers: 2
  queue_size: 16
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.ListenAddr)
	assert.Equal(t, 3*time.Second, cfg.TypingTTL)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, 2, cfg.Background.Workers)
	assert.Equal(t, 16, cfg.Background.QueueSize)
	// untouched keys keep their defaults
	assert.Equal(t, 64, cfg.SendQueueSize)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv(EnvConfigFile, "")
	t.Setenv("SEND_QUEUE_SIZE", "0")

	_, err := Load("")
	assert.Error(t, err)
}
