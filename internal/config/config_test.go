package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load([]string{"--exchange-id", "MOEX"})
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Env)
	assert.Equal(t, "MOEX", cfg.ExchangeID)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ":7070", cfg.Control.Addr)
	assert.Equal(t, "/control", cfg.Control.Path)
	assert.Equal(t, 100*time.Millisecond, cfg.Control.PollInterval)
	assert.True(t, cfg.Control.ReapOnDisconnect)
	assert.Equal(t, time.Second, cfg.Control.StopTimeout)
	assert.False(t, cfg.Redis.Enabled())
	assert.Equal(t, "replay", cfg.Redis.KeyPrefix)
	assert.Empty(t, cfg.Health.Addr)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("QUOTESOURCE_EXCHANGE_ID", "EXCH")
	t.Setenv("QUOTESOURCE_CONTROL_POLL_INTERVAL", "250ms")
	t.Setenv("QUOTESOURCE_CONTROL_REAP_ON_DISCONNECT", "false")
	t.Setenv("QUOTESOURCE_REDIS_ADDR", "localhost:6379")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "EXCH", cfg.ExchangeID)
	assert.Equal(t, 250*time.Millisecond, cfg.Control.PollInterval)
	assert.False(t, cfg.Control.ReapOnDisconnect)
	assert.True(t, cfg.Redis.Enabled())
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("QUOTESOURCE_EXCHANGE_ID", "EXCH")
	t.Setenv("QUOTESOURCE_CONTROL_ADDR", ":9000")

	cfg, err := Load([]string{"--exchange-id=MOEX", "--control-ep=127.0.0.1:7171", "--log-level=debug"})
	require.NoError(t, err)

	assert.Equal(t, "MOEX", cfg.ExchangeID)
	assert.Equal(t, "127.0.0.1:7171", cfg.Control.Addr)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadRequiresExchangeID(t *testing.T) {
	_, err := Load(nil)
	require.ErrorIs(t, err, ErrMissingExchangeID)
}

func TestLoadRejectsUnknownFlag(t *testing.T) {
	_, err := Load([]string{"--exchange-id=MOEX", "--bogus"})
	require.Error(t, err)
}
