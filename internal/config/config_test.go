package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("PUSH_REQUIRE_AUTH", "")
	t.Setenv("TYPING_THROTTLE", "")
	t.Setenv("HISTORY_LIMIT", "")
	t.Setenv("ALLOWED_ORIGINS", "")

	cfg := Load()

	require.Equal(t, ":8080", cfg.Server.Port)
	require.Empty(t, cfg.Redis.URL)
	require.True(t, cfg.Push.RequireAuth)
	require.Equal(t, 500*time.Millisecond, cfg.Realtime.TypingThrottle)
	require.Equal(t, 2*time.Second, cfg.Realtime.TypingIdle)
	require.Equal(t, 50, cfg.Realtime.HistoryLimit)
	require.Equal(t, 50, cfg.Push.BodyLimit)
	require.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", ":9090")
	t.Setenv("PUSH_REQUIRE_AUTH", "false")
	t.Setenv("TYPING_THROTTLE", "250ms")
	t.Setenv("HISTORY_LIMIT", "20")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("JWT_SECRET", "s3cret")

	cfg := Load()

	require.Equal(t, ":9090", cfg.Server.Port)
	require.False(t, cfg.Push.RequireAuth)
	require.Equal(t, 250*time.Millisecond, cfg.Realtime.TypingThrottle)
	require.Equal(t, 20, cfg.Realtime.HistoryLimit)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	require.Equal(t, []byte("s3cret"), cfg.JWT.Secret)
}
