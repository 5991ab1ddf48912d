package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":3000", cfg.Addr)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, ".", cfg.CommandPrefix)
	assert.Equal(t, int64(5), cfg.PairingCost)
	assert.Equal(t, int64(1), cfg.CostPerMinute)
	assert.Equal(t, 20, cfg.MaxActiveSessions)
	assert.Equal(t, 30*time.Second, cfg.PairingCooldown)
	assert.Equal(t, time.Minute, cfg.MeterInterval)
	assert.Equal(t, 168*time.Hour, cfg.TokenLifetime)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("APP_PORT", "8080")
	t.Setenv("MAX_ACTIVE_SESSIONS", "3")
	t.Setenv("PAIRING_COOLDOWN", "5s")
	t.Setenv("COMMAND_PREFIX", "!")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 3, cfg.MaxActiveSessions)
	assert.Equal(t, 5*time.Second, cfg.PairingCooldown)
	assert.Equal(t, "!", cfg.CommandPrefix)
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	t.Run("zero capacity", func(t *testing.T) {
		t.Setenv("MAX_ACTIVE_SESSIONS", "0")
		_, err := Load()
		require.Error(t, err)
	})

	t.Run("negative cost", func(t *testing.T) {
		t.Setenv("PAIRING_COST", "-1")
		_, err := Load()
		require.Error(t, err)
	})

	t.Run("meter interval too short", func(t *testing.T) {
		t.Setenv("METER_INTERVAL", "10ms")
		_, err := Load()
		require.Error(t, err)
	})
}
