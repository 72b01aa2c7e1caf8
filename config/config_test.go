package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := LoadFile("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", c.Server.Port)
	assert.Equal(t, "redis", c.Store.Driver)
	assert.Equal(t, 3*time.Second, c.Match.PollInterval)
	assert.Equal(t, 60*time.Second, c.Match.PollTimeout)
	assert.Equal(t, 10, c.Match.RecentLimit)
	assert.Equal(t, time.Hour, c.Room.TTL)
	assert.Equal(t, "peer", c.Nats.Subject)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: ":9000"
store:
  driver: memory
match:
  pollTimeout: 90s
room:
  apiKey: from-file
`), 0o600))

	t.Setenv("PEER_JWT_SECRET", "env-secret")
	t.Setenv("PEER_ROOM_APIKEY", "from-env")
	t.Setenv("PEER_REDIS_ADDR", "redis:6379")

	c, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", c.Server.Port)
	assert.Equal(t, "memory", c.Store.Driver)
	assert.Equal(t, 90*time.Second, c.Match.PollTimeout)
	assert.Equal(t, "env-secret", c.JWT.Secret)
	assert.Equal(t, "from-env", c.Room.APIKey)
	assert.Equal(t, "redis:6379", c.Redis.Addr)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
