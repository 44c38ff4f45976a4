package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 3, cfg.Transport.ConnectAttempts)
	assert.Equal(t, time.Second, cfg.Transport.ConnectPause)
	assert.Equal(t, 10*time.Second, cfg.Transport.PingInterval)
	assert.Equal(t, 20*time.Second, cfg.Transport.ReadTimeout)
	assert.Equal(t, 3, cfg.Notify.Attempts)
	assert.Equal(t, 2*time.Second, cfg.Notify.Timeout)
	assert.False(t, cfg.Peer.OwnerFastPath)
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.RequestsPerSecond = 0
	cfg.RateLimiting.Burst = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid when rate limiting disabled, got error: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "server address must not be empty",
			mutate: func(c *Config) { c.Server.Address = "" },
		},
		{
			name:   "connect attempts must be > 0",
			mutate: func(c *Config) { c.Transport.ConnectAttempts = 0 },
		},
		{
			name:   "read timeout must exceed ping interval",
			mutate: func(c *Config) { c.Transport.ReadTimeout = c.Transport.PingInterval },
		},
		{
			name:   "max frame bytes must be > 0",
			mutate: func(c *Config) { c.Transport.MaxFrameBytes = 0 },
		},
		{
			name:   "notify attempts must be > 0",
			mutate: func(c *Config) { c.Notify.Attempts = 0 },
		},
		{
			name:   "unknown store backend",
			mutate: func(c *Config) { c.Store.Backend = "sqlite" },
		},
		{
			name: "redis backend needs address",
			mutate: func(c *Config) {
				c.Store.Backend = "redis"
				c.Store.Redis.Address = ""
			},
		},
		{
			name:   "postgres backend needs dsn",
			mutate: func(c *Config) { c.Store.Backend = "postgres" },
		},
		{
			name:   "bcrypt cost out of range",
			mutate: func(c *Config) { c.Auth.BcryptCost = 2 },
		},
		{
			name: "rate limit rps must be > 0",
			mutate: func(c *Config) {
				c.RateLimiting.Enabled = true
				c.RateLimiting.RequestsPerSecond = 0
			},
		},
		{
			name: "tracing sample rate within range",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.SampleRate = 2
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)

			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":5000", cfg.Server.Address)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
server:
  address: ":7000"
notify:
  timeout: 500ms
peer:
  username: alice
  owner_fast_path: true
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Address)
	assert.Equal(t, 500*time.Millisecond, cfg.Notify.Timeout)
	assert.Equal(t, "alice", cfg.Peer.Username)
	assert.True(t, cfg.Peer.OwnerFastPath)
	assert.Equal(t, 3, cfg.Notify.Attempts)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SEGCHAT_SERVER_ADDRESS", ":9999")
	t.Setenv("SEGCHAT_PEER_USERNAME", "bob")
	t.Setenv("SEGCHAT_PEER_VISITOR", "true")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Address)
	assert.Equal(t, "bob", cfg.Peer.Username)
	assert.True(t, cfg.Peer.Visitor)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unterminated"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}
