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
	cfg, err := Load(nil, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.APIListenAddr)
	assert.Equal(t, ":8888", cfg.WSListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 30*time.Second, cfg.RoomGracePeriod)
	assert.Equal(t, time.Hour, cfg.RoomIdleTTL)
	assert.Equal(t, 5*time.Minute, cfg.ConnIdleTTL)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Empty(t, cfg.ICEServers)
	assert.Equal(t, 5.0, cfg.ChatRate)
	assert.Equal(t, 10, cfg.ChatBurst)
}

func TestLoad_EnvAndFlags(t *testing.T) {
	t.Setenv("WS_LISTEN_ADDR", ":9999")
	t.Setenv("ROOM_GRACE_PERIOD", "45s")
	t.Setenv("ICE_SERVERS", "stun:a.example:3478, turn:b.example:3478")

	cfg, err := Load([]string{"-w", ":7000", "--log-level", "debug", "--chat-burst", "3"},
		filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.WSListenAddr, "flag wins over env")
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 45*time.Second, cfg.RoomGracePeriod)
	assert.Equal(t, []string{"stun:a.example:3478", "turn:b.example:3478"}, cfg.ICEServers)
	assert.Equal(t, 3, cfg.ChatBurst)
}

func TestLoad_DotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("API_LISTEN_ADDR=:6060\nSWEEP_INTERVAL=10s\n"), 0o600))
	t.Cleanup(func() {
		_ = os.Unsetenv("API_LISTEN_ADDR")
		_ = os.Unsetenv("SWEEP_INTERVAL")
	})

	cfg, err := Load(nil, path)
	require.NoError(t, err)
	assert.Equal(t, ":6060", cfg.APIListenAddr)
	assert.Equal(t, 10*time.Second, cfg.SweepInterval)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("bad env duration", func(t *testing.T) {
		t.Setenv("ROOM_IDLE_TTL", "forever")
		_, err := Load(nil, filepath.Join(t.TempDir(), "missing.env"))
		assert.ErrorIs(t, err, ErrEnv)
	})
	t.Run("unknown flag", func(t *testing.T) {
		_, err := Load([]string{"--nope"}, filepath.Join(t.TempDir(), "missing.env"))
		assert.ErrorIs(t, err, ErrFlags)
	})
	t.Run("bad log format", func(t *testing.T) {
		_, err := Load([]string{"--log-format", "xml"}, filepath.Join(t.TempDir(), "missing.env"))
		assert.ErrorIs(t, err, ErrFlags)
	})
}
