// Package config provides YAML-based configuration loading for Signalbox.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Signalbox configuration, loaded from config.yaml.
type Config struct {
	Owner    string         `yaml:"owner"`
	Repo     string         `yaml:"repo"`
	DB       DBConfig       `yaml:"db"`
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Limits   LimitsConfig   `yaml:"limits"`
	Presence PresenceConfig `yaml:"presence"`
	Log      LogConfig      `yaml:"log"`
	Backoff  BackoffConfig  `yaml:"backoff"`
	Executor ExecutorConfig `yaml:"executor"`
	SCM      SCMConfig      `yaml:"scm"`
	Notify   NotifyConfig   `yaml:"notify"`
}

// DBConfig holds connection settings for the index store.
type DBConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" or "mysql"
	Path     string `yaml:"path"`   // sqlite file path
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// ServerConfig holds gateway server settings.
type ServerConfig struct {
	Port              int           `yaml:"port"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // expected client ping cadence
	ReadTimeout       time.Duration `yaml:"read_timeout"`       // ws read deadline; must exceed heartbeat
}

// AuthConfig holds the internal token secret and expiry window.
type AuthConfig struct {
	Secret      string        `yaml:"secret"`
	TokenWindow time.Duration `yaml:"token_window"`
}

// LimitsConfig bounds child-session spawning.
type LimitsConfig struct {
	MaxSpawnDepth  int `yaml:"max_spawn_depth"`
	MaxChildren    int `yaml:"max_children"`     // active children per parent
	MaxTotalSpawns int `yaml:"max_total_spawns"` // lifetime children per parent
}

// PresenceConfig tunes how fast silent viewers decay from active to idle to
// away, and when they are dropped from the session entirely.
type PresenceConfig struct {
	IdleAfter   time.Duration `yaml:"idle_after"`
	AwayAfter   time.Duration `yaml:"away_after"`
	RemoveAfter time.Duration `yaml:"remove_after"`
}

// LogConfig bounds the in-actor event log window.
type LogConfig struct {
	WindowSize int `yaml:"window_size"` // retained envelopes per session
}

// BackoffConfig controls viewer client reconnection.
type BackoffConfig struct {
	Base        time.Duration `yaml:"base"`
	Max         time.Duration `yaml:"max"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// ExecutorConfig configures the sandbox executor subprocess.
type ExecutorConfig struct {
	Binary  string        `yaml:"binary"`
	WorkDir string        `yaml:"work_dir"`
	Timeout time.Duration `yaml:"timeout"` // max runtime for one execution
}

// SCMConfig configures the source-control provider.
type SCMConfig struct {
	GitHubToken string   `yaml:"github_token"`
	PRLabels    []string `yaml:"pr_labels"`    // attached best-effort after PR creation
	PRReviewers []string `yaml:"pr_reviewers"` // attached best-effort after PR creation
}

// NotifyConfig configures best-effort completion notifications.
type NotifyConfig struct {
	SlackToken     string `yaml:"slack_token"`
	SlackChannel   string `yaml:"slack_channel"`
	DiscordToken   string `yaml:"discord_token"`
	DiscordChannel string `yaml:"discord_channel"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a Config with all defaults applied and no repo binding.
// Used by tests and by commands that do not need a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.DB.Driver == "" {
		c.DB.Driver = "sqlite"
	}
	if c.DB.Path == "" {
		c.DB.Path = "signalbox.db"
	}
	if c.DB.Host == "" {
		c.DB.Host = "127.0.0.1"
	}
	if c.DB.Port == 0 {
		c.DB.Port = 3306
	}
	if c.DB.Database == "" && c.Owner != "" {
		c.DB.Database = "signalbox_" + c.Owner
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8484
	}
	if c.Server.HeartbeatInterval == 0 {
		c.Server.HeartbeatInterval = 15 * time.Second
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 3 * c.Server.HeartbeatInterval
	}
	if c.Auth.TokenWindow == 0 {
		c.Auth.TokenWindow = 5 * time.Minute
	}
	if c.Limits.MaxSpawnDepth == 0 {
		c.Limits.MaxSpawnDepth = 3
	}
	if c.Limits.MaxChildren == 0 {
		c.Limits.MaxChildren = 5
	}
	if c.Limits.MaxTotalSpawns == 0 {
		c.Limits.MaxTotalSpawns = 20
	}
	if c.Presence.IdleAfter == 0 {
		c.Presence.IdleAfter = 2 * time.Minute
	}
	if c.Presence.AwayAfter == 0 {
		c.Presence.AwayAfter = 5 * time.Minute
	}
	if c.Presence.RemoveAfter == 0 {
		c.Presence.RemoveAfter = 10 * time.Minute
	}
	if c.Log.WindowSize == 0 {
		c.Log.WindowSize = 4096
	}
	if c.Backoff.Base == 0 {
		c.Backoff.Base = time.Second
	}
	if c.Backoff.Max == 0 {
		c.Backoff.Max = 30 * time.Second
	}
	if c.Backoff.MaxAttempts == 0 {
		c.Backoff.MaxAttempts = 5
	}
	if c.Executor.Binary == "" {
		c.Executor.Binary = "claude"
	}
	if c.Executor.Timeout == 0 {
		c.Executor.Timeout = 30 * time.Minute
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.DB.Driver != "sqlite" && c.DB.Driver != "mysql" {
		errs = append(errs, fmt.Sprintf("db.driver must be sqlite or mysql, got %q", c.DB.Driver))
	}
	if c.DB.Driver == "mysql" && c.DB.Database == "" {
		errs = append(errs, "db.database is required for mysql")
	}
	if c.Server.ReadTimeout <= c.Server.HeartbeatInterval {
		errs = append(errs, "server.read_timeout must exceed server.heartbeat_interval")
	}
	if c.Limits.MaxSpawnDepth < 1 {
		errs = append(errs, "limits.max_spawn_depth must be at least 1")
	}
	if c.Limits.MaxChildren < 1 {
		errs = append(errs, "limits.max_children must be at least 1")
	}
	if c.Presence.IdleAfter >= c.Presence.AwayAfter || c.Presence.AwayAfter >= c.Presence.RemoveAfter {
		errs = append(errs, "presence thresholds must ascend: idle_after < away_after < remove_after")
	}
	if c.Backoff.Base > c.Backoff.Max {
		errs = append(errs, "backoff.base must not exceed backoff.max")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
