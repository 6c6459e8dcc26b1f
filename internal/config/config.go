// Package config provides YAML configuration loading and validation for the
// Cerberus monitor.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects the front end attached to the pipeline.
const (
	ModeTUI   = "tui"
	ModeAgent = "agent"
)

// Duration wraps time.Duration with humantime YAML decoding ("30m", "1h").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std converts to the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level configuration structure for Cerberus.
type Config struct {
	// Mode is "tui" for the live terminal front end or "agent" for the
	// headless alert-logging mode. Defaults to "tui".
	Mode string `yaml:"mode"`

	// RulesDir is the directory tree of TOML rule files. Required.
	RulesDir string `yaml:"rules_dir"`

	// RunTime bounds a run; the pipeline shuts down cleanly when it
	// elapses. Required in agent mode; optional in tui mode, where a
	// positive value bounds the run the same way.
	RunTime Duration `yaml:"run_time"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// LogFile is where agent mode writes structured alerts. Defaults to
	// stderr when empty.
	LogFile string `yaml:"log_file"`

	// HealthAddr is the listen address for the diagnostics HTTP server.
	// Empty disables it.
	HealthAddr string `yaml:"health_addr"`

	// BPFObject optionally points at a compiled BPF object, overriding
	// the object embedded at build time.
	BPFObject string `yaml:"bpf_object"`

	// ChannelCapacity bounds every pipeline channel. Producers block when
	// a buffer fills. Defaults to 256.
	ChannelCapacity int `yaml:"channel_capacity"`

	// RateLimit throttles the raw-event pass-through to the sink.
	// Evaluation always runs regardless.
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// Container configures the optional cgroup → container resolver.
	Container ContainerConfig `yaml:"container"`
}

// RateLimitConfig is a token bucket: sustained events per second plus a
// burst allowance.
type RateLimitConfig struct {
	EventsPerSec float64 `yaml:"events_per_sec"`
	Burst        int     `yaml:"burst"`
}

// ContainerConfig controls event enrichment with container identity.
type ContainerConfig struct {
	// Enabled inserts the resolver stage between the ring reader and the
	// rule engine.
	Enabled bool `yaml:"enabled"`

	// CRIEndpoint is the CRI socket used for image/pod metadata
	// ("unix:///run/containerd/containerd.sock"). Empty disables CRI
	// enrichment; cgroup-path resolution still runs.
	CRIEndpoint string `yaml:"cri_endpoint"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validModes is the set of accepted mode strings.
var validModes = map[string]bool{
	ModeTUI:   true,
	ModeAgent: true,
}

// Load reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. A validation error joins
// every failure found, not only the first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// Default returns the built-in configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills in zero-value optional fields with sensible defaults.
func (cfg *Config) ApplyDefaults() {
	if cfg.Mode == "" {
		cfg.Mode = ModeTUI
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ChannelCapacity == 0 {
		cfg.ChannelCapacity = 256
	}
	if cfg.RateLimit.EventsPerSec == 0 {
		cfg.RateLimit.EventsPerSec = 10
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 50
	}
}

// Validate checks that all required fields are populated and that
// enumerated fields contain only valid values.
func (cfg *Config) Validate() error {
	var errs []error

	if !validModes[cfg.Mode] {
		errs = append(errs, fmt.Errorf("mode %q must be one of: tui, agent", cfg.Mode))
	}
	if cfg.RulesDir == "" {
		errs = append(errs, errors.New("rules_dir is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.Mode == ModeAgent && cfg.RunTime <= 0 {
		errs = append(errs, errors.New("run_time is required in agent mode"))
	}
	if cfg.ChannelCapacity < 1 {
		errs = append(errs, fmt.Errorf("channel_capacity %d must be positive", cfg.ChannelCapacity))
	}
	if cfg.RateLimit.EventsPerSec <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit.events_per_sec %v must be positive", cfg.RateLimit.EventsPerSec))
	}
	if cfg.RateLimit.Burst < 1 {
		errs = append(errs, fmt.Errorf("rate_limit.burst %d must be positive", cfg.RateLimit.Burst))
	}

	return errors.Join(errs...)
}
