// Package config loads broker configuration from YAML plus environment
// overrides. The broker secret never lives in the YAML file; it comes
// from LIGHTHOUSE_SECRET (optionally bootstrapped from a .env file).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server       ServerConfig      `yaml:"server"`
	Storage      StorageConfig     `yaml:"storage"`
	Auth         AuthConfig        `yaml:"auth"`
	SpeedLayer   SpeedLayerConfig  `yaml:"speed_layer"`
	Experts      ExpertsConfig     `yaml:"experts"`
	Elicitation  ElicitationConfig `yaml:"elicitation"`
	Subscription SubConfig         `yaml:"subscription"`
	RateLimits   map[string]Rate   `yaml:"rate_limits"`

	// BrokerSecret is the process-wide MAC key. Populated from the
	// environment, never from YAML.
	BrokerSecret string `yaml:"-"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Env  string `yaml:"env"`
}

type StorageConfig struct {
	DataDir      string `yaml:"data_dir"`
	NodeID       string `yaml:"node_id"`
	MaxEventSize int    `yaml:"max_event_size"`
	SegmentSize  int64  `yaml:"segment_size"`
}

type AuthConfig struct {
	SessionTTLSeconds int `yaml:"session_ttl_seconds"`
	TokenTTLSeconds   int `yaml:"token_ttl_seconds"`
}

type SpeedLayerConfig struct {
	MemoryCacheSize      int    `yaml:"memory_cache_size"`
	PolicyRulesPath      string `yaml:"policy_rules_path"`
	ExpertTimeoutSeconds int    `yaml:"expert_timeout_seconds"`
	// FallbackPolicy is "safe_allow" (safelisted tools approved on
	// expert timeout, everything else blocked) or "always_block".
	FallbackPolicy  string `yaml:"fallback_policy"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
}

type ExpertsConfig struct {
	HeartbeatSeconds int `yaml:"heartbeat_seconds"`
	MissedBeatsLimit int `yaml:"missed_beats_limit"`
	QueueDepth       int `yaml:"queue_depth"`
}

type ElicitationConfig struct {
	DefaultTimeoutSeconds int `yaml:"default_timeout_seconds"`
	MaxTimeoutSeconds     int `yaml:"max_timeout_seconds"`
	MaxOutstanding        int `yaml:"max_outstanding"`
	CreatePerMinute       int `yaml:"create_per_minute"`
}

type SubConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// Rate is a per-role token bucket description.
type Rate struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

const (
	DefaultMaxEventSize = 1 << 20   // 1 MiB
	DefaultSegmentSize  = 100 << 20 // 100 MiB
)

// Load reads the YAML file at path, applies defaults, and pulls the
// broker secret from the environment. A missing file is a configuration
// error; a missing secret is surfaced by the caller as exit code 4.
func Load(path string) (*Config, error) {
	// Best effort: .env is a dev convenience, absence is fine.
	_ = godotenv.Load()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.BrokerSecret = os.Getenv("LIGHTHOUSE_SECRET")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every field at its documented
// default. Used by tests and by the broker when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8787
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "./data"
	}
	if c.Storage.NodeID == "" {
		c.Storage.NodeID = "node0"
	}
	if c.Storage.MaxEventSize == 0 {
		c.Storage.MaxEventSize = DefaultMaxEventSize
	}
	if c.Storage.SegmentSize == 0 {
		c.Storage.SegmentSize = DefaultSegmentSize
	}
	if c.Auth.SessionTTLSeconds == 0 {
		c.Auth.SessionTTLSeconds = 7200 // 2h idle
	}
	if c.Auth.TokenTTLSeconds == 0 {
		c.Auth.TokenTTLSeconds = 86400 // 24h
	}
	if c.SpeedLayer.MemoryCacheSize == 0 {
		c.SpeedLayer.MemoryCacheSize = 10000
	}
	if c.SpeedLayer.ExpertTimeoutSeconds == 0 {
		c.SpeedLayer.ExpertTimeoutSeconds = 30
	}
	if c.SpeedLayer.FallbackPolicy == "" {
		c.SpeedLayer.FallbackPolicy = "safe_allow"
	}
	if c.SpeedLayer.CacheTTLSeconds == 0 {
		c.SpeedLayer.CacheTTLSeconds = 300
	}
	if c.Experts.HeartbeatSeconds == 0 {
		c.Experts.HeartbeatSeconds = 10
	}
	if c.Experts.MissedBeatsLimit == 0 {
		c.Experts.MissedBeatsLimit = 3
	}
	if c.Experts.QueueDepth == 0 {
		c.Experts.QueueDepth = 256
	}
	if c.Elicitation.DefaultTimeoutSeconds == 0 {
		c.Elicitation.DefaultTimeoutSeconds = 30
	}
	if c.Elicitation.MaxTimeoutSeconds == 0 {
		c.Elicitation.MaxTimeoutSeconds = 300
	}
	if c.Elicitation.MaxOutstanding == 0 {
		c.Elicitation.MaxOutstanding = 20
	}
	if c.Elicitation.CreatePerMinute == 0 {
		c.Elicitation.CreatePerMinute = 100
	}
	if c.Subscription.BufferSize == 0 {
		c.Subscription.BufferSize = 1000
	}
	if c.RateLimits == nil {
		c.RateLimits = map[string]Rate{
			"builder-agent": {PerSecond: 10, Burst: 30},
			"expert-agent":  {PerSecond: 10, Burst: 30},
		}
	}
}

func (c *Config) validate() error {
	if c.SpeedLayer.FallbackPolicy != "safe_allow" && c.SpeedLayer.FallbackPolicy != "always_block" {
		return fmt.Errorf("speed_layer.fallback_policy must be safe_allow or always_block, got %q", c.SpeedLayer.FallbackPolicy)
	}
	if c.Elicitation.MaxTimeoutSeconds > 300 {
		return fmt.Errorf("elicitation.max_timeout_seconds cannot exceed 300")
	}
	if c.Storage.MaxEventSize > DefaultMaxEventSize {
		return fmt.Errorf("storage.max_event_size cannot exceed 1 MiB")
	}
	return nil
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Auth.SessionTTLSeconds) * time.Second
}

func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.Auth.TokenTTLSeconds) * time.Second
}

func (c *Config) ExpertTimeout() time.Duration {
	return time.Duration(c.SpeedLayer.ExpertTimeoutSeconds) * time.Second
}
