package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Remote    RemoteConfig    `yaml:"remote"`
	Listen    ListenConfig    `yaml:"listen"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	User      UserConfig      `yaml:"user"`
	Sync      SyncConfig      `yaml:"sync"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
}

// RemoteConfig points at the workout server this device syncs against.
type RemoteConfig struct {
	BaseURL      string `yaml:"base_url"`
	WebsocketURL string `yaml:"websocket_url"`
	AuthToken    string `yaml:"auth_token"`
}

// ListenConfig is the localhost control API bind address.
type ListenConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type TailscaleConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Hostname string `yaml:"hostname"`
	StateDir string `yaml:"state_dir"`
}

type UserConfig struct {
	ID     string `yaml:"id"`
	Person string `yaml:"person"`
}

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// SyncConfig carries the engine timing knobs. Zero values take the defaults
// below; tests shrink them.
type SyncConfig struct {
	Interval       Duration `yaml:"interval"`
	StaleCheck     Duration `yaml:"stale_check"`
	StaleThreshold Duration `yaml:"stale_threshold"`
}

const (
	DefaultSyncInterval   = 30 * time.Second
	DefaultStaleCheck     = 60 * time.Second
	DefaultStaleThreshold = 30 * time.Minute
)

// Load reads config from a YAML file, then applies environment variable
// overrides. Env vars use the prefix SUPERGYM_ and underscore-separated paths:
//
//	SUPERGYM_REMOTE_BASE_URL, SUPERGYM_REMOTE_WS_URL, SUPERGYM_REMOTE_TOKEN,
//	SUPERGYM_LISTEN_HOST, SUPERGYM_LISTEN_PORT,
//	SUPERGYM_USER_ID, SUPERGYM_USER_PERSON,
//	SUPERGYM_DATA_DIR, SUPERGYM_LOG_LEVEL
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SUPERGYM_REMOTE_BASE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := os.Getenv("SUPERGYM_REMOTE_WS_URL"); v != "" {
		cfg.Remote.WebsocketURL = v
	}
	if v := os.Getenv("SUPERGYM_REMOTE_TOKEN"); v != "" {
		cfg.Remote.AuthToken = v
	}
	if v := os.Getenv("SUPERGYM_LISTEN_HOST"); v != "" {
		cfg.Listen.Host = v
	}
	if v := os.Getenv("SUPERGYM_LISTEN_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Listen.Port = port
		}
	}
	if v := os.Getenv("SUPERGYM_USER_ID"); v != "" {
		cfg.User.ID = v
	}
	if v := os.Getenv("SUPERGYM_USER_PERSON"); v != "" {
		cfg.User.Person = v
	}
	if v := os.Getenv("SUPERGYM_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("SUPERGYM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Sync.Interval == 0 {
		cfg.Sync.Interval = Duration(DefaultSyncInterval)
	}
	if cfg.Sync.StaleCheck == 0 {
		cfg.Sync.StaleCheck = Duration(DefaultStaleCheck)
	}
	if cfg.Sync.StaleThreshold == 0 {
		cfg.Sync.StaleThreshold = Duration(DefaultStaleThreshold)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

func (c *Config) validate() error {
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if c.Listen.Port == 0 {
		return fmt.Errorf("listen.port is required")
	}
	if c.User.ID == "" {
		return fmt.Errorf("user.id is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	return nil
}
