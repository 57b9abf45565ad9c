// Package agent implements the worker that runs on a user's machine: it
// heartbeats to the edge, polls for commands, supervises the local
// processes behind each project, and keeps one tunnel worker per exposed
// port.
package agent

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Config holds the agent settings. Values are resolved in order: defaults,
// then the YAML config file, then PASSAGE_* environment variables; command
// line flags are applied on top by the caller.
type Config struct {
	ServerURL string `yaml:"server_url"`
	APIKey    string `yaml:"api_key"`
	StateDir  string `yaml:"state_dir"`
	LogLevel  string `yaml:"log_level"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	RestartDelay      time.Duration `yaml:"restart_delay"`

	// ShipLogs controls whether captured process output is posted back to
	// the edge as project logs in addition to the local echo.
	ShipLogs bool `yaml:"ship_logs"`
}

const configFileName = "agent.yaml"

// DefaultStateDir is where the agent keeps its lock and, by default, its
// config file.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".passage-agent"
	}
	return filepath.Join(home, ".passage-agent")
}

func defaultConfig() *Config {
	return &Config{
		StateDir:          DefaultStateDir(),
		LogLevel:          "info",
		HeartbeatInterval: 30 * time.Second,
		PollInterval:      5 * time.Second,
		RestartDelay:      10 * time.Second,
		ShipLogs:          true,
	}
}

// LoadConfig reads the agent configuration. An empty path means the default
// location, where a missing file is fine; an explicit path must exist.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	explicit := path != ""
	if path == "" {
		path = filepath.Join(DefaultStateDir(), configFileName)
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if explicit {
			return nil, fmt.Errorf("config file %s does not exist", path)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("invalid config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.normalize()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PASSAGE_SERVER_URL"); v != "" {
		c.ServerURL = v
	}
	if v := os.Getenv("PASSAGE_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("PASSAGE_STATE_DIR"); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv("PASSAGE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

func (c *Config) normalize() {
	c.ServerURL = strings.TrimRight(strings.TrimSpace(c.ServerURL), "/")
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir()
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = 10 * time.Second
	}
}

// Validate checks that the settings are complete enough to run.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return errors.New("server URL is required (--server, PASSAGE_SERVER_URL, or server_url in the config file)")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("server URL %q must start with http:// or https://", c.ServerURL)
	}
	if c.APIKey == "" {
		return errors.New("API key is required (--api-key, PASSAGE_API_KEY, or api_key in the config file)")
	}
	return nil
}

// TunnelURL builds the WebSocket endpoint for a project's tunnel.
func (c *Config) TunnelURL(projectID string) string {
	base := c.ServerURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}

	q := url.Values{}
	q.Set("project_id", projectID)
	q.Set("api_key", c.APIKey)
	return base + "/_tunnel?" + q.Encode()
}
