package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".sysagent"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("SYSAGENT_CONFIG")); explicit != "" {
		if strings.HasPrefix(explicit, "~") {
			home, err := resolveHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, explicit[1:]), nil
		}
		return explicit, nil
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("SYSAGENT_HOME")); h != "" {
		if strings.HasPrefix(h, "~") {
			base, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(base, h[1:]), nil
		}
		return h, nil
	}
	return os.UserHomeDir()
}

// ExpandHome replaces a leading "~" with the sysagent home directory.
func ExpandHome(p string) string {
	if !strings.HasPrefix(p, "~") {
		return p
	}
	home, err := resolveHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[1:])
}

// Load builds the configuration. Later sources win: defaults, the JSON
// config file, legacy unprefixed env names, then SYSAGENT_<GROUP>_* vars.
// Env files only fill variables the process does not already have.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	for _, f := range LoadEnvFileCandidates() {
		slog.Debug("Loaded env file", "path", f.Path, "keys", len(f.Applied))
	}

	path, err := ConfigPath()
	if err != nil {
		return cfg, nil // Use defaults if we can't find config path
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	applyLegacyEnv(cfg)

	// Override with environment variables for each group
	groups := []struct {
		prefix string
		spec   any
	}{
		{"SYSAGENT_PATHS", &cfg.Paths},
		{"SYSAGENT_MODEL", &cfg.Model},
		{"SYSAGENT_AGENT", &cfg.Agent},
		{"SYSAGENT_CONTAINER", &cfg.Container},
		{"SYSAGENT_TOOLS", &cfg.Tools},
		{"SYSAGENT_SCHEDULER", &cfg.Scheduler},
		{"SYSAGENT_CHANNELS", &cfg.Channels},
		{"SYSAGENT_GATEWAY", &cfg.Gateway},
		{"SYSAGENT_EVENTLOG", &cfg.EventLog},
		{"SYSAGENT_LOG", &cfg.Log},
	}
	for _, g := range groups {
		if err := envconfig.Process(g.prefix, g.spec); err != nil {
			return nil, fmt.Errorf("env %s: %w", g.prefix, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyLegacyEnv maps the unprefixed variable names used by earlier
// deployments (OPENAI_API_KEY, CONTAINER_NAME, ...) onto the config.
// Prefixed SYSAGENT_* variables still win because they are processed later.
func applyLegacyEnv(cfg *Config) {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("OPENAI_API_KEY", &cfg.Model.APIKey)
	str("OPENAI_BASE_URL", &cfg.Model.APIBase)
	str("OPENAI_MODEL", &cfg.Model.Name)
	str("CONTAINER_NAME", &cfg.Container.Name)
	str("CONTAINER_RUNTIME", &cfg.Container.Runtime)
	str("WORKSPACE_DIR", &cfg.Paths.Workspace)
	str("SKILLS_DIR", &cfg.Paths.Skills)
	str("EVENT_API_URL", &cfg.EventLog.HTTPURL)
	str("EVENT_API_KEY", &cfg.EventLog.HTTPAPIKey)
	if v, ok := os.LookupEnv("WHITELIST_TOOLS"); ok && strings.TrimSpace(v) != "" {
		cfg.Agent.Whitelist = splitList(v)
	}
}

func splitList(v string) []string {
	v = strings.Trim(strings.TrimSpace(v), "[]")
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.Trim(strings.TrimSpace(part), `"'`)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate rejects settings the agent cannot run with.
func (c *Config) Validate() error {
	switch c.Container.Runtime {
	case "podman", "docker", "local":
	default:
		return fmt.Errorf("container.runtime must be podman, docker or local, got %q", c.Container.Runtime)
	}
	switch c.EventLog.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("eventLog.driver must be sqlite or sqlite3, got %q", c.EventLog.Driver)
	}
	if c.Agent.MaxToolIterations <= 0 {
		return fmt.Errorf("agent.maxToolIterations must be positive, got %d", c.Agent.MaxToolIterations)
	}
	if c.Scheduler.WakeInterval <= 0 {
		return fmt.Errorf("scheduler.wakeInterval must be positive, got %s", c.Scheduler.WakeInterval)
	}
	if c.Agent.CompressAfter < 0 {
		return fmt.Errorf("agent.compressAfter must not be negative, got %d", c.Agent.CompressAfter)
	}
	return nil
}

// DataDir returns the expanded data directory.
func (c *Config) DataDir() string { return ExpandHome(c.Paths.Data) }

// EventLogPath returns the event database path.
func (c *Config) EventLogPath() string {
	if c.EventLog.Path != "" {
		return ExpandHome(c.EventLog.Path)
	}
	return filepath.Join(c.DataDir(), "events.db")
}

// SessionsDir returns where persisted conversations live.
func (c *Config) SessionsDir() string { return filepath.Join(c.DataDir(), "sessions") }

// LockPath returns the scheduler's single-instance lock file.
func (c *Config) LockPath() string { return filepath.Join(c.DataDir(), "scheduler.lock") }

// APIAddr returns the host:port the API listens on.
func (c *Config) APIAddr() string { return fmt.Sprintf("%s:%d", c.Gateway.Host, c.Gateway.Port) }

// Save writes the configuration to the config file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// EnsureDir ensures a directory exists with proper permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}
