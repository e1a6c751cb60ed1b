// Package config loads the orchestrator configuration from a YAML file with
// environment-variable overrides (prefix COLLAB_).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"collab/internal/observability"
)

// Kind selects the coordination strategy for incoming requests.
type Kind string

const (
	KindTeam     Kind = "team"
	KindPlanning Kind = "planning"
)

// AgentRef identifies one remote agent behind the gateway.
type AgentRef struct {
	ID          string `yaml:"id" mapstructure:"id"`
	Name        string `yaml:"name" mapstructure:"name"`
	Version     string `yaml:"version" mapstructure:"version"`
	Description string `yaml:"description" mapstructure:"description"`
}

// ServiceConfig names this deployment. Events carry "<name>:<version>" as
// their source field.
type ServiceConfig struct {
	Name    string `yaml:"name" mapstructure:"name"`
	Version string `yaml:"version" mapstructure:"version"`
	Host    string `yaml:"host" mapstructure:"host"`
	Port    int    `yaml:"port" mapstructure:"port"`
}

// GatewayConfig configures the resilient remote-invocation client.
type GatewayConfig struct {
	Host           string `yaml:"host" mapstructure:"host"`
	Secure         bool   `yaml:"secure" mapstructure:"secure"`
	Key            string `yaml:"key" mapstructure:"key"`
	TimeoutSeconds int    `yaml:"timeout_seconds" mapstructure:"timeout_seconds"`
	MaxAttempts    int    `yaml:"max_attempts" mapstructure:"max_attempts"`
	RetryDelayMS   int    `yaml:"retry_delay_ms" mapstructure:"retry_delay_ms"`
}

// Timeout returns the per-attempt request timeout.
func (g GatewayConfig) Timeout() time.Duration {
	if g.TimeoutSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(g.TimeoutSeconds) * time.Second
}

// RetryDelay returns the fixed post-timeout inter-attempt delay.
func (g GatewayConfig) RetryDelay() time.Duration {
	if g.RetryDelayMS <= 0 {
		return 2 * time.Second
	}
	return time.Duration(g.RetryDelayMS) * time.Millisecond
}

// OrchestrationConfig bounds the orchestration state machines.
type OrchestrationConfig struct {
	Kind             Kind `yaml:"kind" mapstructure:"kind"`
	MaxRounds        int  `yaml:"max_rounds" mapstructure:"max_rounds"`
	KeepaliveSeconds int  `yaml:"keepalive_seconds" mapstructure:"keepalive_seconds"`
}

// KeepalivePeriod returns the heartbeat cadence.
func (o OrchestrationConfig) KeepalivePeriod() time.Duration {
	if o.KeepaliveSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(o.KeepaliveSeconds) * time.Second
}

// AgentsConfig names the decision agents and the task agents available to
// the orchestrator. The registry is populated from this at startup.
type AgentsConfig struct {
	Manager AgentRef   `yaml:"manager" mapstructure:"manager"`
	Planner AgentRef   `yaml:"planner" mapstructure:"planner"`
	Tasks   []AgentRef `yaml:"tasks" mapstructure:"tasks"`
}

// HITLConfig configures the human-in-the-loop approval gate.
type HITLConfig struct {
	Enabled        bool   `yaml:"enabled" mapstructure:"enabled"`
	TimeoutSeconds int    `yaml:"timeout_seconds" mapstructure:"timeout_seconds"`
	Store          string `yaml:"store" mapstructure:"store"` // memory, sqlite
	SQLitePath     string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// Timeout returns the approval window measured from pending-entry creation.
func (h HITLConfig) Timeout() time.Duration {
	if h.TimeoutSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(h.TimeoutSeconds) * time.Second
}

// Config is the root configuration document.
type Config struct {
	Service       ServiceConfig               `yaml:"service" mapstructure:"service"`
	Gateway       GatewayConfig               `yaml:"gateway" mapstructure:"gateway"`
	Orchestration OrchestrationConfig         `yaml:"orchestration" mapstructure:"orchestration"`
	Agents        AgentsConfig                `yaml:"agents" mapstructure:"agents"`
	HITL          HITLConfig                  `yaml:"hitl" mapstructure:"hitl"`
	Log           observability.LogConfig     `yaml:"log" mapstructure:"log"`
	Tracing       observability.TracingConfig `yaml:"tracing" mapstructure:"tracing"`
}

// Source returns the event source identity for this deployment.
func (c *Config) Source() string {
	return fmt.Sprintf("%s:%s", c.Service.Name, c.Service.Version)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "collab")
	v.SetDefault("service.version", "dev")
	v.SetDefault("service.host", "0.0.0.0")
	v.SetDefault("service.port", 8700)
	v.SetDefault("gateway.timeout_seconds", 120)
	v.SetDefault("gateway.max_attempts", 3)
	v.SetDefault("gateway.retry_delay_ms", 2000)
	v.SetDefault("orchestration.kind", string(KindTeam))
	v.SetDefault("orchestration.max_rounds", 10)
	v.SetDefault("orchestration.keepalive_seconds", 30)
	v.SetDefault("hitl.enabled", false)
	v.SetDefault("hitl.timeout_seconds", 300)
	v.SetDefault("hitl.store", "memory")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration from path (optional) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Orchestration.Kind {
	case KindTeam, KindPlanning:
	default:
		return fmt.Errorf("unknown orchestration kind: %q", c.Orchestration.Kind)
	}
	if c.Gateway.Host == "" {
		return fmt.Errorf("gateway.host is required")
	}
	if c.Orchestration.Kind == KindTeam && c.Agents.Manager.Name == "" {
		return fmt.Errorf("agents.manager is required for team orchestration")
	}
	if c.Orchestration.Kind == KindPlanning && c.Agents.Planner.Name == "" {
		return fmt.Errorf("agents.planner is required for planning orchestration")
	}
	if len(c.Agents.Tasks) == 0 {
		return fmt.Errorf("at least one task agent is required")
	}
	switch c.HITL.Store {
	case "", "memory", "sqlite":
	default:
		return fmt.Errorf("unknown hitl.store: %q", c.HITL.Store)
	}
	return nil
}
