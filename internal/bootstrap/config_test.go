package bootstrap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("REDIS_ADDR", "127.0.0.1:6379")
	t.Setenv("JWT_SECRET", "s3cret")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadConfig()

	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, "race:", cfg.KeyPrefix)
	assert.Equal(t, FanoutLocal, cfg.FanoutBackend)
	assert.Equal(t, 24*time.Hour, cfg.JWTExpiry)
	assert.Equal(t, "@every 5m", cfg.SweepSchedule)
	assert.Equal(t, 10*time.Minute, cfg.RoomEmptyGrace)
	assert.True(t, cfg.SweeperEnabled)
	assert.False(t, cfg.IsProduction())
	assert.Equal(t, "127.0.0.1:6379", cfg.Redis().Addr)
}

func TestLoadConfig_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("FANOUT_BACKEND", "nats")
	t.Setenv("RATE_LIMIT_WINDOW", "30s")
	t.Setenv("SWEEPER_ENABLED", "false")
	t.Setenv("LOG_LEVEL", "loud")
	t.Setenv("APP_ENV", "production")

	cfg, err := LoadConfig()

	require.NoError(t, err)
	assert.Equal(t, FanoutNATS, cfg.FanoutBackend)
	assert.Equal(t, 30*time.Second, cfg.RateLimitWindow)
	assert.False(t, cfg.SweeperEnabled)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.IsProduction())
}

func TestLoadConfig_Errors(t *testing.T) {
	t.Run("missing jwt secret", func(t *testing.T) {
		t.Setenv("REDIS_ADDR", "127.0.0.1:6379")
		t.Setenv("JWT_SECRET", "")
		_, err := LoadConfig()
		assert.Error(t, err)
	})
	t.Run("unknown fanout backend", func(t *testing.T) {
		setRequired(t)
		t.Setenv("FANOUT_BACKEND", "kafka")
		_, err := LoadConfig()
		assert.Error(t, err)
	})
}
