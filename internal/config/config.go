// Package config loads, validates, and watches the daemon configuration.
package config

import (
	"fmt"
	"time"
)

// Config is the main strand configuration.
type Config struct {
	// DataDir is the root for all persisted data. Defaults to ~/.strand.
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Environment selects runtime behavior: "development" or "production".
	Environment string `json:"environment" mapstructure:"environment"`

	Logging   LoggingConfig  `json:"logging" mapstructure:"logging"`
	Server    ServerConfig   `json:"server" mapstructure:"server"`
	Providers ProviderConfig `json:"providers" mapstructure:"providers"`
	Storage   StorageConfig  `json:"storage" mapstructure:"storage"`
	Memory    MemoryConfig   `json:"memory" mapstructure:"memory"`
	State     StateConfig    `json:"state" mapstructure:"state"`

	Agents []AgentDef `json:"agents" mapstructure:"agents"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level"`
	Pretty bool   `json:"pretty" mapstructure:"pretty"`
	File   string `json:"file" mapstructure:"file"`
}

// ServerConfig holds gateway server configuration.
type ServerConfig struct {
	Port         int    `json:"port" mapstructure:"port"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// ProviderConfig holds model vendor credentials and error surfacing mode.
type ProviderConfig struct {
	AnthropicAPIKey string `json:"anthropic_api_key" mapstructure:"anthropic_api_key"`
	OpenAIAPIKey    string `json:"openai_api_key" mapstructure:"openai_api_key"`

	// BYOK switches API key error messaging to ask users for their own
	// key instead of blaming the deployment.
	BYOK bool `json:"byok" mapstructure:"byok"`
}

// StorageConfig selects the durable backend.
type StorageConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `json:"driver" mapstructure:"driver"`
	// Path is the SQLite database file. Defaults under DataDir.
	Path string `json:"path" mapstructure:"path"`
}

// MemoryConfig tunes the working memory tier.
type MemoryConfig struct {
	SweepInterval time.Duration `json:"sweep_interval" mapstructure:"sweep_interval"`
	DefaultTTL    time.Duration `json:"default_ttl" mapstructure:"default_ttl"`
}

// StateConfig tunes session state retention.
type StateConfig struct {
	MaxRecentTools  int           `json:"max_recent_tools" mapstructure:"max_recent_tools"`
	CleanupSchedule string        `json:"cleanup_schedule" mapstructure:"cleanup_schedule"`
	CleanupMaxAge   time.Duration `json:"cleanup_max_age" mapstructure:"cleanup_max_age"`
}

// AgentDef declares an agent available to gateway clients.
type AgentDef struct {
	ID           string   `json:"id" mapstructure:"id"`
	Provider     string   `json:"provider" mapstructure:"provider"`
	Model        string   `json:"model" mapstructure:"model"`
	Temperature  float64  `json:"temperature,omitempty" mapstructure:"temperature"`
	MaxTokens    int      `json:"max_tokens,omitempty" mapstructure:"max_tokens"`
	SystemPrompt string   `json:"system_prompt,omitempty" mapstructure:"system_prompt"`
	Tools        []string `json:"tools,omitempty" mapstructure:"tools"`
	History      History  `json:"history,omitempty" mapstructure:"history"`
}

// History declares an agent's message retention policy.
type History struct {
	Kind string `json:"kind,omitempty" mapstructure:"kind"`
	N    int    `json:"n,omitempty" mapstructure:"n"`
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		Environment: "production",
		Logging: LoggingConfig{
			Level: "info",
		},
		Server: ServerConfig{
			Port: 8377,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
		},
		Memory: MemoryConfig{
			SweepInterval: time.Minute,
			DefaultTTL:    15 * time.Minute,
		},
		State: StateConfig{
			MaxRecentTools:  20,
			CleanupSchedule: "0 4 * * *",
			CleanupMaxAge:   7 * 24 * time.Hour,
		},
		Agents: []AgentDef{
			{
				ID:       "default",
				Provider: "anthropic",
				Model:    "claude-sonnet-4-20250514",
				History:  History{Kind: "all"},
			},
		},
	}
}

// Validate checks structural constraints before the daemon starts.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Environment != "development" && c.Environment != "production" {
		return fmt.Errorf("invalid environment: %s", c.Environment)
	}
	switch c.Storage.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("invalid storage driver: %s", c.Storage.Driver)
	}
	if c.Memory.SweepInterval < 0 {
		return fmt.Errorf("memory sweep interval cannot be negative")
	}
	if c.State.CleanupMaxAge < 0 {
		return fmt.Errorf("state cleanup max age cannot be negative")
	}

	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent must be configured")
	}
	seen := make(map[string]bool, len(c.Agents))
	for i, agent := range c.Agents {
		if err := ValidateAgent(agent); err != nil {
			return fmt.Errorf("agent %d: %w", i, err)
		}
		if seen[agent.ID] {
			return fmt.Errorf("duplicate agent id: %s", agent.ID)
		}
		seen[agent.ID] = true
	}
	return nil
}

// Agent returns the agent definition with the given id.
func (c *Config) Agent(id string) (AgentDef, bool) {
	for _, agent := range c.Agents {
		if agent.ID == id {
			return agent, true
		}
	}
	return AgentDef{}, false
}

// IncludeErrorDetails reports whether wire errors should carry diagnostic
// details. Only development deployments expose them.
func (c *Config) IncludeErrorDetails() bool {
	return c.Environment == "development"
}
