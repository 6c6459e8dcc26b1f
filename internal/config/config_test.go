package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// --------------------------------------------------------------------------
// Test helpers
// --------------------------------------------------------------------------

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
mode: agent
rules_dir: /etc/cerberus/rules
run_time: 30m
log_level: debug
log_file: /var/log/cerberus/alerts.log
health_addr: 127.0.0.1:9600
channel_capacity: 512
rate_limit:
  events_per_sec: 25
  burst: 100
container:
  enabled: true
  cri_endpoint: unix:///run/containerd/containerd.sock
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != ModeAgent || cfg.RulesDir != "/etc/cerberus/rules" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.RunTime.Std() != 30*time.Minute {
		t.Errorf("RunTime = %v", cfg.RunTime.Std())
	}
	if cfg.ChannelCapacity != 512 {
		t.Errorf("ChannelCapacity = %d", cfg.ChannelCapacity)
	}
	if cfg.RateLimit.EventsPerSec != 25 || cfg.RateLimit.Burst != 100 {
		t.Errorf("RateLimit = %+v", cfg.RateLimit)
	}
	if !cfg.Container.Enabled || cfg.Container.CRIEndpoint == "" {
		t.Errorf("Container = %+v", cfg.Container)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
rules_dir: /etc/cerberus/rules
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != ModeTUI {
		t.Errorf("Mode = %q, want tui default", cfg.Mode)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info default", cfg.LogLevel)
	}
	if cfg.ChannelCapacity != 256 {
		t.Errorf("ChannelCapacity = %d, want 256 default", cfg.ChannelCapacity)
	}
	if cfg.RateLimit.EventsPerSec != 10 || cfg.RateLimit.Burst != 50 {
		t.Errorf("RateLimit = %+v, want 10/50 defaults", cfg.RateLimit)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeConfig(t, "mode: [unterminated")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{
			name:    "missing rules_dir",
			mutate:  func(c *Config) { c.RulesDir = "" },
			wantSub: "rules_dir",
		},
		{
			name:    "bogus mode",
			mutate:  func(c *Config) { c.Mode = "daemon" },
			wantSub: "mode",
		},
		{
			name:    "bogus log level",
			mutate:  func(c *Config) { c.LogLevel = "verbose" },
			wantSub: "log_level",
		},
		{
			name: "agent requires run_time",
			mutate: func(c *Config) {
				c.Mode = ModeAgent
				c.RunTime = 0
			},
			wantSub: "run_time",
		},
		{
			name:    "negative channel capacity",
			mutate:  func(c *Config) { c.ChannelCapacity = -1 },
			wantSub: "channel_capacity",
		},
		{
			name:    "negative rate",
			mutate:  func(c *Config) { c.RateLimit.EventsPerSec = -5 },
			wantSub: "events_per_sec",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := Default()
			cfg.RulesDir = "/etc/cerberus/rules"
			c.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), c.wantSub) {
				t.Errorf("error %q does not mention %q", err, c.wantSub)
			}
		})
	}
}

func TestValidate_AgentModeOK(t *testing.T) {
	cfg := Default()
	cfg.Mode = ModeAgent
	cfg.RulesDir = "/etc/cerberus/rules"
	cfg.RunTime = Duration(time.Minute)

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
