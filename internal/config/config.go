// Package config loads orchestrator configuration from config.toml,
// environment variables, and launcher flags, in that order, each later
// source overriding the earlier ones.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// ConfigFileName is the TOML config file read from the project root.
const ConfigFileName = "config.toml"

// Config holds all runtime settings for the orchestrator.
type Config struct {
	// Port is the orchestrator HTTP port. Overridden by the PORT env var.
	Port int `toml:"port"`

	// ProjectRoot anchors data/ and logs/. Defaults to the working directory.
	ProjectRoot string `toml:"project_root"`

	// AgentCommand is the CLI invocation typed into new terminal windows.
	AgentCommand string `toml:"agent_command"`

	// AllowedRepos constrains which repositories clients may select.
	// Empty means any repository is selectable.
	AllowedRepos []string `toml:"allowed_repos"`

	// Remote enables the public tunnel and token authentication.
	Remote bool `toml:"remote"`

	// Gateway holds the web-terminal subprocess settings.
	Gateway GatewaySettings `toml:"gateway"`

	// Tunnel holds the public-URL tunnel settings.
	Tunnel TunnelSettings `toml:"tunnel"`

	// Log holds logging settings.
	Log LogSettings `toml:"log"`

	// Binary path overrides; defaults are resolved from PATH.
	TmuxBin        string `toml:"tmux_bin"`
	TtydBin        string `toml:"ttyd_bin"`
	CloudflaredBin string `toml:"cloudflared_bin"`
}

// GatewaySettings configures the per-session web-terminal processes.
type GatewaySettings struct {
	// StartPort and MaxPort bound the loopback port range handed to gateways.
	StartPort int `toml:"start_port"`
	MaxPort   int `toml:"max_port"`

	// Theme is passed to the web terminal as -t theme=<value> when set.
	Theme string `toml:"theme"`
}

// TunnelSettings configures the cloudflared wrapper.
type TunnelSettings struct {
	// Name selects a named tunnel. Empty means ephemeral quick mode.
	Name string `toml:"name"`

	// URL is the preconfigured public URL reported for a named tunnel.
	URL string `toml:"url"`
}

// LogSettings configures file logging.
type LogSettings struct {
	Level      string `toml:"level"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:         3001,
		AgentCommand: "claude",
		Gateway: GatewaySettings{
			StartPort: 7681,
			MaxPort:   7781,
		},
		Log: LogSettings{Level: "info"},
	}
}

// Load reads config.toml from projectRoot (if present) and applies
// environment overrides. A missing file is not an error.
func Load(projectRoot string) (*Config, error) {
	cfg := Default()
	cfg.ProjectRoot = projectRoot

	path := filepath.Join(projectRoot, ConfigFileName)
	if data, err := os.ReadFile(path); err == nil {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if cfg.ProjectRoot == "" {
		cfg.ProjectRoot = projectRoot
	}

	cfg.applyEnv()

	if cfg.Gateway.StartPort <= 0 || cfg.Gateway.MaxPort < cfg.Gateway.StartPort {
		return nil, fmt.Errorf("config: invalid gateway port range [%d, %d]",
			cfg.Gateway.StartPort, cfg.Gateway.MaxPort)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Port = port
		}
	}
	if v := os.Getenv("CCM_TMUX_BIN"); v != "" {
		c.TmuxBin = v
	}
	if v := os.Getenv("CCM_TTYD_BIN"); v != "" {
		c.TtydBin = v
	}
	if v := os.Getenv("CCM_CLOUDFLARED_BIN"); v != "" {
		c.CloudflaredBin = v
	}
	if v := os.Getenv("CCM_TUNNEL_URL"); v != "" {
		c.Tunnel.URL = v
	}
}

// SetAllowedRepos parses a comma-separated repo list from the launcher's
// --repos flag, normalizing each entry to an absolute path.
func (c *Config) SetAllowedRepos(csv string) {
	c.AllowedRepos = nil
	for _, p := range strings.Split(csv, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		c.AllowedRepos = append(c.AllowedRepos, p)
	}
}

// RepoAllowed reports whether path is selectable under the allow-list.
func (c *Config) RepoAllowed(path string) bool {
	if len(c.AllowedRepos) == 0 {
		return true
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	for _, allowed := range c.AllowedRepos {
		if abs == allowed {
			return true
		}
	}
	return false
}

// DataDir returns <projectRoot>/data, creating it on first use.
func (c *Config) DataDir() (string, error) {
	dir := filepath.Join(c.ProjectRoot, "data")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("config: mkdir %s: %w", dir, err)
	}
	return dir, nil
}

// LogDir returns <projectRoot>/logs, creating it on first use.
func (c *Config) LogDir() (string, error) {
	dir := filepath.Join(c.ProjectRoot, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("config: mkdir %s: %w", dir, err)
	}
	return dir, nil
}

// DBPath returns the embedded store path under data/.
func (c *Config) DBPath() (string, error) {
	dir, err := c.DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "sessions.db"), nil
}
