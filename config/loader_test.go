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
	t.Setenv("CONFIG_PATH", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Port)
	assert.Equal(t, "paper", cfg.Broker.Kind)
	assert.Equal(t, 60*time.Minute, cfg.TokenTTL())
	assert.Equal(t, 30*time.Minute, cfg.Session.IdleTimeout)
	assert.Equal(t, time.Minute, cfg.Session.CleanupInterval)
	assert.Equal(t, 200*time.Millisecond, cfg.Feed.Throttle)
	assert.Equal(t, 5, cfg.Scanner.DefaultTimeframe)
	assert.Equal(t, cfg.Auth.SecretKey, cfg.Auth.EncryptionSecret)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("PORT", "9100")
	t.Setenv("BROKER", "binance")
	t.Setenv("BINANCE_API_KEY", "  \"abc\"\n")
	t.Setenv("SESSION_IDLE_TIMEOUT", "5m")
	t.Setenv("TELEGRAM_CHAT_ID", "42")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "0.0.0.0:9100", cfg.Addr())
	assert.Equal(t, "abc", cfg.Broker.BinanceAPIKey)
	assert.Equal(t, 5*time.Minute, cfg.Session.IdleTimeout)
	assert.Equal(t, int64(42), cfg.Notify.TelegramChatID)
}

func TestLoadRejectsUnknownBroker(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("BROKER", "iqoption")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.yaml")
	require.NoError(t, os.WriteFile(path, []byte("env: prod\nport: 8123\nbroker:\n  kind: paper\n"), 0o600))
	t.Setenv("CONFIG_PATH", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.Env)
	assert.Equal(t, 8123, cfg.Port)
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := Load()
	require.Error(t, err)
}

func TestSecureLoad(t *testing.T) {
	assert.Equal(t, "key", SecureLoad(" 'key'\r\n"))
}
