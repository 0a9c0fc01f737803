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
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.HTTPAddress)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "memory", cfg.Broadcast.Backend)
	assert.Equal(t, 500*time.Millisecond, cfg.Sync.PollInterval)
	assert.Equal(t, 5432, cfg.Database.Postgres.Port)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte(`
server:
  http_address: ":9090"
store:
  backend: gorm
  room_ttl: 1h
sync:
  poll_interval: 250ms
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o600))
	t.Setenv("ROOMSYNC_BROADCAST_BACKEND", "nats")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.HTTPAddress)
	assert.Equal(t, "gorm", cfg.Store.Backend)
	assert.Equal(t, time.Hour, cfg.Store.RoomTTL)
	assert.Equal(t, 250*time.Millisecond, cfg.Sync.PollInterval)
	assert.Equal(t, "nats", cfg.Broadcast.Backend)
}

func TestPostgresConfig_DSN(t *testing.T) {
	p := PostgresConfig{Host: "db", Port: 5433, User: "u", Password: "p", DBName: "rooms", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5433 user=u password=p dbname=rooms sslmode=disable", p.DSN())
	assert.Equal(t, "postgres://u:p@db:5433/rooms?sslmode=disable", p.URL())
}
