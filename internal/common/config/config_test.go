package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Empty(t, cfg.NATS.URL)
	assert.Equal(t, "orchd-network", cfg.Docker.DefaultNetwork)
	assert.Equal(t, "system", cfg.Agent.SystemAgent)
	assert.Equal(t, "X-API-Key", cfg.Auth.APIKeyHeader)
	assert.Equal(t, "X-Session-Token", cfg.Auth.SessionHeader)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ORCHD_SERVER_PORT", "9090")
	t.Setenv("ORCHD_DATABASE_DRIVER", "postgres")
	t.Setenv("ORCHD_DATABASE_HOST", "db.internal")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "db.internal", cfg.Database.Host)
}

func TestValidationRejectsBadConfig(t *testing.T) {
	t.Setenv("ORCHD_DATABASE_DRIVER", "oracle")
	_, err := LoadWithPath(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.driver")
}

func TestDurationHelpers(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 15*time.Minute, cfg.Agent.ChatTTLDuration())
	assert.Equal(t, time.Second, cfg.Scheduler.TickIntervalDuration())
	assert.Equal(t, 10*time.Minute, cfg.Scheduler.LockTTLDuration())
}

func TestPostgresDSN(t *testing.T) {
	d := DatabaseConfig{
		Host: "db", Port: 5432, User: "orchd", Password: "s3cret",
		DBName: "orchd", SSLMode: "disable",
	}
	assert.Equal(t,
		"host=db port=5432 user=orchd password=s3cret dbname=orchd sslmode=disable",
		d.DSN())
}
