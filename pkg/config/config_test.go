package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/sandboxd/pkg/config"
)

func TestLoadWithNoFileReturnsDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	require.Equal(t, config.Default(), cfg)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, config.Default(), cfg)
}

func TestLoadOverlaysYAMLOntoDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sandboxd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
runtime:
  containerd_socket: /custom/containerd.sock
queue:
  backend: redis
  redis_addr: 127.0.0.1:6380
`), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "/custom/containerd.sock", cfg.Runtime.ContainerdSocket)
	require.Equal(t, "redis", cfg.Queue.Backend)
	require.Equal(t, "127.0.0.1:6380", cfg.Queue.RedisAddr)
	// Untouched fields keep their defaults.
	require.Equal(t, 10, cfg.Queue.ClaimRateLimit)
}

func TestEnvOverridesWinOverYAMLAndDefaults(t *testing.T) {
	t.Setenv("CONTAINERD_SOCKET", "/env/containerd.sock")
	t.Setenv("HEALTH_MAX_RECOVERY_ATTEMPTS", "9")

	cfg, err := config.Load("")
	require.NoError(t, err)
	require.Equal(t, "/env/containerd.sock", cfg.Runtime.ContainerdSocket)
	require.Equal(t, 9, cfg.Health.MaxRecoveryAttempts)
}

func TestHolderStoresAndLoadsLiveSnapshot(t *testing.T) {
	h := config.NewHolder(config.HealthConfig{ProbeInterval: 30 * time.Second, MaxRecoveryAttempts: 3})
	require.Equal(t, 3, h.Load().MaxRecoveryAttempts)

	h.Store(config.HealthConfig{ProbeInterval: 10 * time.Second, MaxRecoveryAttempts: 5})
	require.Equal(t, 5, h.Load().MaxRecoveryAttempts)
	require.Equal(t, 10*time.Second, h.Load().ProbeInterval)
}
