package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/titanous/json5"
)

// Load reads config from a JSON5-tolerant file, then overlays env vars.
// A missing file is not an error: Default() plus env overrides is returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// ApplyEnvOverrides overlays environment variables onto the config. The
// bearer PAT is read only from the environment; the license PEM may come
// from the config file or the environment. Save persists neither.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("SES_IDENTITY_BASE_URL", &c.IdentityBaseUrl)
	envStr("SES_LICENSE_PUBLIC_KEY_PEM", &c.LicensePublicKeyPem)
	envStr("SES_STATE_DIR", &c.Paths.StateDir)
	envStr("SES_CLAUDE_PROJECTS_ROOT", &c.Paths.ClaudeProjectsRoot)
	envStr("SES_LOCAL_STORAGE_ROOT", &c.Paths.LocalStorageRoot)
	envStr("SES_COOKIE_DATABASE_PATH", &c.Paths.CookieDatabasePath)
	envStr("SES_BEARER_PAT", &c.secrets.bearerPAT)

	if v := os.Getenv("SES_POLLING_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.PollingIntervalSeconds = n
		}
	}
	if v := os.Getenv("SES_LICENSE_REVOCATION_CHECK_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.LicenseRevocationCheckDays = n
		}
	}
	if v := os.Getenv("SES_INTAKE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.IntakePort = n
		}
	}
	if v := os.Getenv("SES_ENABLE_CLAUDE_CODE_SYNC"); v != "" {
		c.EnableClaudeCodeSync = v == "true" || v == "1"
	}
	if v := os.Getenv("SES_ENABLE_CLAUDE_DESKTOP_SYNC"); v != "" {
		c.EnableClaudeDesktopSync = v == "true" || v == "1"
	}
}

// Save writes the non-secret portion of the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	data, err := json.MarshalIndent(cfg, "", "  ")
	cfg.mu.RUnlock()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns the first 8 bytes of a SHA-256 hash of the effective
// (non-secret) config, hex-encoded.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// StateDirPath returns the expanded state directory, defaulting to
// ~/.ses when unset.
func (c *Config) StateDirPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Paths.StateDir != "" {
		return ExpandHome(c.Paths.StateDir)
	}
	return ExpandHome("~/.ses")
}

// LocalStorePath returns the path to the SQLite database file.
func (c *Config) LocalStorePath() string {
	return filepath.Join(c.StateDirPath(), "local.db")
}

// WatcherPositionsPath returns the path to the watcher offset file.
func (c *Config) WatcherPositionsPath() string {
	return filepath.Join(c.StateDirPath(), "watcher-positions.json")
}

// ControlSocketPath returns the path to the privileged control-plane socket.
func (c *Config) ControlSocketPath() string {
	return filepath.Join(c.StateDirPath(), "daemon.sock")
}

// DaemonLockPath returns the path to the single-instance advisory lock file.
func (c *Config) DaemonLockPath() string {
	return filepath.Join(c.StateDirPath(), "daemon.lock")
}

// ClaudeProjectsRootPath returns the expanded root directory that the
// Session-Log Watcher walks, defaulting to ~/.claude/projects.
func (c *Config) ClaudeProjectsRootPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Paths.ClaudeProjectsRoot != "" {
		return ExpandHome(c.Paths.ClaudeProjectsRoot)
	}
	return ExpandHome("~/.claude/projects")
}

// LocalStorageRootPath returns the expanded root directory the Local-Storage
// Scanner scans for *.ldb files, defaulting to the OS-specific location
// Claude Desktop uses for its IndexedDB/LevelDB backing store.
func (c *Config) LocalStorageRootPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Paths.LocalStorageRoot != "" {
		return ExpandHome(c.Paths.LocalStorageRoot)
	}
	switch runtime.GOOS {
	case "darwin":
		return ExpandHome("~/Library/Application Support/Claude/Local Storage/leveldb")
	case "windows":
		return ExpandHome("~/AppData/Roaming/Claude/Local Storage/leveldb")
	default:
		return ExpandHome("~/.config/Claude/Local Storage/leveldb")
	}
}

// CookieDatabasePathResolved returns the expanded path to the desktop client's
// cookie store, defaulting to the OS-specific Chromium-derived location.
func (c *Config) CookieDatabasePathResolved() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Paths.CookieDatabasePath != "" {
		return ExpandHome(c.Paths.CookieDatabasePath)
	}
	switch runtime.GOOS {
	case "darwin":
		return ExpandHome("~/Library/Application Support/Claude/Cookies")
	case "windows":
		return ExpandHome("~/AppData/Roaming/Claude/Cookies")
	default:
		return ExpandHome("~/.config/Claude/Cookies")
	}
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
