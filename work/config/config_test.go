package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	ClearCache()
	t.Cleanup(ClearCache)

	cfg := Load()
	require.Equal(t, 8080, cfg.Port)
	require.NotEmpty(t, cfg.Secret)
	require.NotEmpty(t, cfg.UserAgent)
	require.Equal(t, 20*time.Second, cfg.HeartbeatInterval)
	require.Equal(t, 5, cfg.RedirectHops)
	require.Equal(t, int64(16*1024*1024), cfg.PrefetchCapBytes)
	require.Equal(t, time.Second, cfg.PollMin)
	require.Equal(t, 10*time.Second, cfg.PollMax)
	require.Equal(t, 30*time.Second, cfg.StallWindow)
	require.Equal(t, 32, cfg.BufferSizeKB)
}

func TestLoadFromEnvironment(t *testing.T) {
	ClearCache()
	t.Cleanup(ClearCache)

	t.Setenv("KRELAY_PORT", "9999")
	t.Setenv("KRELAY_SECRET", "other-secret")
	t.Setenv("KRELAY_HEARTBEAT_INTERVAL", "25s")
	t.Setenv("KRELAY_REDIRECT_HOPS", "3")
	t.Setenv("KRELAY_OBFUSCATE_URLS", "true")
	t.Setenv("KRELAY_LOG_LEVEL", "DEBUG")

	cfg := Load()
	require.Equal(t, 9999, cfg.Port)
	require.Equal(t, "other-secret", cfg.Secret)
	require.Equal(t, 25*time.Second, cfg.HeartbeatInterval)
	require.Equal(t, 3, cfg.RedirectHops)
	require.True(t, cfg.ObfuscateUrls)
	require.True(t, cfg.Debug)
}

func TestHeartbeatIntervalIsClamped(t *testing.T) {
	ClearCache()
	t.Cleanup(ClearCache)

	t.Setenv("KRELAY_HEARTBEAT_INTERVAL", "5m")
	cfg := Load()
	require.Equal(t, 20*time.Second, cfg.HeartbeatInterval, "out-of-band renew cadence falls back to the default")
}

func TestLoadIsCached(t *testing.T) {
	ClearCache()
	t.Cleanup(ClearCache)

	first := Load()
	second := Load()
	require.Same(t, first, second)
}
