// Package config provides configuration loading and environment
// variable management. Project settings live in .squad/config.toml;
// a handful of environment variables override individual fields.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is the config file name inside the state directory.
const FileName = "config.toml"

// Environment variables that override config fields.
const (
	EnvReviewDefault = "SQUAD_REVIEW_DEFAULT"
	EnvStaleTimeout  = "SQUAD_STALE_TIMEOUT_SEC"
	EnvHTTPAddr      = "SQUAD_HTTP_ADDR"
	EnvSessionPrefix = "SQUAD_SESSION_PREFIX"
	EnvLogLevel      = "SQUAD_LOG_LEVEL"
)

// Review mode values.
const (
	ReviewRequired = "review_required"
	AutoProceed    = "auto_proceed"
)

// Config is the project configuration.
type Config struct {
	Version int    `toml:"version"`
	Project string `toml:"project"` // task id prefix, e.g. "demo" for demo-4fa3

	Session SessionConfig `toml:"session"`
	Agent   AgentConfig   `toml:"agent"`
	HTTP    HTTPConfig    `toml:"http"`
	Review  ReviewConfig  `toml:"review"`
	Bridge  BridgeConfig  `toml:"bridge"`
	Log     LogConfig     `toml:"log"`
}

// SessionConfig controls terminal session handling.
type SessionConfig struct {
	Prefix           string `toml:"prefix"`
	StaleTimeoutSec  int    `toml:"stale_timeout_sec"`
	CompleteGraceSec int    `toml:"complete_grace_sec"`
}

// AgentConfig sets the default agent runtime for spawned sessions.
type AgentConfig struct {
	Program string `toml:"program"`
	Model   string `toml:"model"`
}

// HTTPConfig controls the gateway listener.
type HTTPConfig struct {
	Addr string `toml:"addr"`
}

// ReviewConfig sets the global review gate default.
type ReviewConfig struct {
	Default string `toml:"default"`
}

// BridgeConfig controls the external channel bridge.
type BridgeConfig struct {
	Enabled         bool     `toml:"enabled"`
	WebhookURL      string   `toml:"webhook_url"`
	PollURL         string   `toml:"poll_url"`
	PollIntervalSec int      `toml:"poll_interval_sec"`
	TimeoutSec      int      `toml:"timeout_sec"`
	Channels        []string `toml:"channels"`
}

// LogConfig controls server-side structured logging.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	cfg := &Config{
		Version: 1,
		Project: "squad",
	}
	cfg.Session.Prefix = "squad-"
	cfg.Session.StaleTimeoutSec = 600
	cfg.Session.CompleteGraceSec = 3600
	cfg.Agent.Program = "claude"
	cfg.HTTP.Addr = "127.0.0.1:7333"
	cfg.Review.Default = ReviewRequired
	cfg.Bridge.PollIntervalSec = 5
	cfg.Bridge.TimeoutSec = 30
	cfg.Log.Level = "info"
	return cfg
}

// Load reads the config from the state directory, applies defaults for
// missing fields and environment overrides on top. A missing file is
// not an error; defaults apply.
func Load(stateDir string) (*Config, error) {
	cfg := Default()
	cfg.Project = projectNameFromDir(stateDir)

	path := filepath.Join(stateDir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	} else {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to the state directory.
func Save(stateDir string, cfg *Config) error {
	f, err := os.Create(filepath.Join(stateDir, FileName))
	if err != nil {
		return fmt.Errorf("creating config: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvReviewDefault); v != "" {
		cfg.Review.Default = v
	}
	if v := os.Getenv(EnvStaleTimeout); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			cfg.Session.StaleTimeoutSec = sec
		}
	}
	if v := os.Getenv(EnvHTTPAddr); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv(EnvSessionPrefix); v != "" {
		cfg.Session.Prefix = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = v
	}
}

// Validate checks enum fields and structural requirements.
func (c *Config) Validate() error {
	switch c.Review.Default {
	case ReviewRequired, AutoProceed:
	default:
		return fmt.Errorf("invalid review default %q (want %s or %s)",
			c.Review.Default, ReviewRequired, AutoProceed)
	}
	if c.Session.Prefix == "" {
		return fmt.Errorf("session prefix must not be empty")
	}
	if c.Session.StaleTimeoutSec <= 0 {
		return fmt.Errorf("stale timeout must be positive")
	}
	if !validProjectName(c.Project) {
		return fmt.Errorf("invalid project name %q (want lowercase letter followed by [a-z0-9_-])", c.Project)
	}
	return nil
}

// StaleTimeout returns the session stale timeout as a duration.
func (c *Config) StaleTimeout() time.Duration {
	return time.Duration(c.Session.StaleTimeoutSec) * time.Second
}

// CompleteGrace returns how long complete sessions linger before reaping.
func (c *Config) CompleteGrace() time.Duration {
	return time.Duration(c.Session.CompleteGraceSec) * time.Second
}

// PollInterval returns the bridge poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	if c.Bridge.PollIntervalSec <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Bridge.PollIntervalSec) * time.Second
}

// BridgeTimeout returns the per-request timeout for bridge webhook
// deliveries as a duration.
func (c *Config) BridgeTimeout() time.Duration {
	if c.Bridge.TimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Bridge.TimeoutSec) * time.Second
}

// projectNameFromDir derives a task id prefix from the workspace
// directory name, constrained to the id alphabet.
func projectNameFromDir(stateDir string) string {
	// stateDir is <root>/.squad; the project is named after <root>.
	name := filepath.Base(filepath.Dir(stateDir))
	name = strings.ToLower(name)

	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	name = b.String()
	name = strings.TrimLeft(name, "0123456789_-")
	if name == "" {
		return "squad"
	}
	return name
}

func validProjectName(name string) bool {
	if name == "" {
		return false
	}
	if name[0] < 'a' || name[0] > 'z' {
		return false
	}
	for i := 1; i < len(name); i++ {
		c := name[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '_' && c != '-' {
			return false
		}
	}
	return true
}
