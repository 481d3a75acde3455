package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jasonberkes/ses-local/internal/config"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.json5"))
	require.NoError(t, err)
	require.Equal(t, 30, cfg.PollingIntervalSeconds)
	require.True(t, cfg.EnableClaudeCodeSync)
	require.True(t, cfg.EnableClaudeDesktopSync)
	require.Equal(t, 37780, cfg.IntakePort)
}

func TestApplyEnvOverridesTakesPrecedence(t *testing.T) {
	os.Setenv("SES_POLLING_INTERVAL_SECONDS", "45")
	os.Setenv("SES_ENABLE_CLAUDE_DESKTOP_SYNC", "0")
	defer os.Unsetenv("SES_POLLING_INTERVAL_SECONDS")
	defer os.Unsetenv("SES_ENABLE_CLAUDE_DESKTOP_SYNC")

	cfg := config.Default()
	cfg.ApplyEnvOverrides()

	require.Equal(t, 45, cfg.PollingIntervalSeconds)
	require.False(t, cfg.EnableClaudeDesktopSync)
}

func TestLocalStorePathJoinsStateDir(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.StateDir = "/tmp/ses-state"
	require.Equal(t, "/tmp/ses-state/local.db", cfg.LocalStorePath())
	require.Equal(t, "/tmp/ses-state/daemon.sock", cfg.ControlSocketPath())
	require.Equal(t, "/tmp/ses-state/daemon.lock", cfg.DaemonLockPath())
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := config.Default()
	cfg.IdentityBaseUrl = "https://id.example.com"
	require.NoError(t, config.Save(path, cfg))

	loaded, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://id.example.com", loaded.IdentityBaseUrl)
}
