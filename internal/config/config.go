package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the process configuration. Secrets (LLM master key, ingest
// token, database DSN, gateway token) are never read from YAML — they come
// from the environment so config files stay committable.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	LLM     LLMConfig     `yaml:"llm"`
	Proxy   ProxyConfig   `yaml:"proxy"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Gateway GatewayConfig `yaml:"gateway"`
	Billing BillingConfig `yaml:"billing"`
	Events  EventsConfig  `yaml:"events"`
	Graphs  []GraphSpec   `yaml:"graphs"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Env  string `yaml:"env"`
}

type LLMConfig struct {
	UpstreamURL string `yaml:"upstream_url"`
	MasterKey   string `yaml:"-"` // env: LITELLM_MASTER_KEY
}

type ProxyConfig struct {
	Image            string `yaml:"image"`
	BaseDir          string `yaml:"base_dir"`
	HealthTimeoutSec int    `yaml:"health_timeout_sec"`
	SweepIntervalSec int    `yaml:"sweep_interval_sec"`
}

type SandboxConfig struct {
	GraceSeconds    int    `yaml:"grace_seconds"`
	WorkspaceBase   string `yaml:"workspace_base"`
	InternalNetwork string `yaml:"internal_network"`
}

type GatewayConfig struct {
	URL              string `yaml:"url"`
	Token            string `yaml:"-"` // env: GATEWAY_TOKEN
	DefaultTimeoutMs int    `yaml:"default_timeout_ms"`
	SessionBuffer    int    `yaml:"session_buffer"`
}

type BillingConfig struct {
	DatabaseURL   string `yaml:"-"` // env: DATABASE_URL
	IngestToken   string `yaml:"-"` // env: BILLING_INGEST_TOKEN
	CreditsPerUSD int64  `yaml:"credits_per_usd"`
}

type EventsConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// Graph execution modes.
const (
	ModeEphemeral = "ephemeral"
	ModeGateway   = "gateway"
)

// GraphSpec binds a graphId to a sandbox image and argv. Gateway graphs
// (mode "gateway") carry no image — the long-running container is a
// deployment artifact, not something this process launches.
type GraphSpec struct {
	ID    string   `yaml:"id"`
	Mode  string   `yaml:"mode"` // ModeEphemeral (default) or ModeGateway
	Image string   `yaml:"image"`
	Cmd   []string `yaml:"cmd"`
}

// LoadConfig reads the YAML file, applies defaults and overlays secrets
// from the environment.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.validateGraphs(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validateGraphs normalizes graph modes: an unset mode means ephemeral,
// anything outside the known modes is a config error.
func (c *Config) validateGraphs() error {
	for i := range c.Graphs {
		g := &c.Graphs[i]
		if g.ID == "" {
			return fmt.Errorf("graph %d: id is required", i)
		}
		if g.Mode == "" {
			g.Mode = ModeEphemeral
		}
		switch g.Mode {
		case ModeEphemeral, ModeGateway:
		default:
			return fmt.Errorf("graph %q: unknown mode %q", g.ID, g.Mode)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Proxy.BaseDir == "" {
		c.Proxy.BaseDir = "/var/run/cogni-proxies"
	}
	if c.Proxy.HealthTimeoutSec == 0 {
		c.Proxy.HealthTimeoutSec = 15
	}
	if c.Proxy.SweepIntervalSec == 0 {
		c.Proxy.SweepIntervalSec = 60
	}
	if c.Sandbox.GraceSeconds == 0 {
		c.Sandbox.GraceSeconds = 5
	}
	if c.Sandbox.WorkspaceBase == "" {
		c.Sandbox.WorkspaceBase = "/var/lib/cogni-workspaces"
	}
	if c.Gateway.DefaultTimeoutMs == 0 {
		c.Gateway.DefaultTimeoutMs = 120_000
	}
	if c.Gateway.SessionBuffer == 0 {
		c.Gateway.SessionBuffer = 256
	}
	if c.Billing.CreditsPerUSD == 0 {
		c.Billing.CreditsPerUSD = 1_000_000
	}
	if c.Events.ChannelPrefix == "" {
		c.Events.ChannelPrefix = "cogni:runs:"
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("LITELLM_MASTER_KEY"); v != "" {
		c.LLM.MasterKey = v
	}
	if v := os.Getenv("GATEWAY_TOKEN"); v != "" {
		c.Gateway.Token = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Billing.DatabaseURL = v
	}
	if v := os.Getenv("BILLING_INGEST_TOKEN"); v != "" {
		c.Billing.IngestToken = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Events.RedisAddr = v
	}
}

// Graph returns the spec for a graphId, or nil when unknown.
func (c *Config) Graph(id string) *GraphSpec {
	for i := range c.Graphs {
		if c.Graphs[i].ID == id {
			return &c.Graphs[i]
		}
	}
	return nil
}

// Grace is SandboxConfig.GraceSeconds as a duration.
func (s SandboxConfig) Grace() time.Duration {
	return time.Duration(s.GraceSeconds) * time.Second
}

// HealthTimeout is ProxyConfig.HealthTimeoutSec as a duration.
func (p ProxyConfig) HealthTimeout() time.Duration {
	return time.Duration(p.HealthTimeoutSec) * time.Second
}

// SweepInterval is ProxyConfig.SweepIntervalSec as a duration.
func (p ProxyConfig) SweepInterval() time.Duration {
	return time.Duration(p.SweepIntervalSec) * time.Second
}
