package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_defaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "3000", cfg.Port)
	assert.Equal(t, ":3000", cfg.Addr())
	assert.Equal(t, TransportWebSocket, cfg.UpstreamTransport)
	assert.Equal(t, "ws://127.0.0.1:5000/ws", cfg.UpstreamURL)
	assert.Equal(t, 5*time.Second, cfg.ReconnectDelay)
	assert.Equal(t, "public", cfg.StaticDir)
	assert.Equal(t, 64, cfg.ViewerSendBuffer)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestFromEnv_overrides(t *testing.T) {
	t.Setenv("PORT", "8081")
	t.Setenv("UPSTREAM_TRANSPORT", "redis")
	t.Setenv("REDIS_ADDR", "redis.local:6380")
	t.Setenv("REDIS_CHANNEL_PREFIX", "cam1:")
	t.Setenv("RECONNECT_DELAY_MS", "250")
	t.Setenv("DEBUG", "1")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":8081", cfg.Addr())
	assert.Equal(t, TransportRedis, cfg.UpstreamTransport)
	assert.Equal(t, "redis.local:6380", cfg.RedisAddr)
	assert.Equal(t, "cam1:", cfg.RedisChannelPrefix)
	assert.Equal(t, 250*time.Millisecond, cfg.ReconnectDelay)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestFromEnv_invalid(t *testing.T) {
	cases := map[string][2]string{
		"unknown transport": {"UPSTREAM_TRANSPORT", "mqtt"},
		"zero delay":        {"RECONNECT_DELAY_MS", "0"},
		"bad port":          {"PORT", "http"},
		"bad format":        {"LOG_FORMAT", "xml"},
		"empty buffer":      {"VIEWER_SEND_BUFFER", "-1"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := FromEnv()
			assert.Error(t, err)
		})
	}
}

func TestGetEnvInt_fallsBackOnGarbage(t *testing.T) {
	t.Setenv("RELAY_TEST_INT", "twelve")
	assert.Equal(t, 7, GetEnvInt("RELAY_TEST_INT", 7))
}

func TestLoad_dotenv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("RELAY_TEST_DOTENV=from-file\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("RELAY_TEST_DOTENV") })

	require.NoError(t, Load(path))
	assert.Equal(t, "from-file", GetEnv("RELAY_TEST_DOTENV", ""))
}
