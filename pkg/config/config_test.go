package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestFromViperDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	cfg := fromViper(v)
	require.Equal(t, EnvDevelopment, cfg.Env)
	require.Equal(t, "/api/v1", cfg.APIPrefix)
	require.Equal(t, 15*time.Minute, cfg.Approvals.HierarchyCacheTTL)
	require.True(t, cfg.Approvals.PreviousLevelCheck)
	require.Equal(t, 2, cfg.Notifications.Workers)
	require.Equal(t, 5*time.Second, cfg.Notifications.RetryDelay)
	require.Empty(t, cfg.Mail.Host)
	require.Nil(t, cfg.CORS.AllowedOrigins)
}

func TestFromViperOverrides(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set("APPROVALS_HIERARCHY_CACHE_TTL", "not-a-duration")
	v.Set("NOTIFY_RETRY_DELAY", "250ms")
	v.Set("ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	v.Set("APPROVALS_PREVIOUS_LEVEL_CHECK", false)

	cfg := fromViper(v)
	require.Equal(t, 15*time.Minute, cfg.Approvals.HierarchyCacheTTL)
	require.Equal(t, 250*time.Millisecond, cfg.Notifications.RetryDelay)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
	require.False(t, cfg.Approvals.PreviousLevelCheck)
}
