// Package config loads the process configuration: provider
// credentials, data directory layout, and the runtime tunables
// (debounce wait time, scheduler intervals, gateway concurrency).
// Defaults are filled in after Load; environment variables override
// file values for secrets.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ProviderConfig is one configured LLM/embedding provider.
type ProviderConfig struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// ToolsConfig configures the tool adapters.
type ToolsConfig struct {
	SearchEndpoint  string `yaml:"search_endpoint"`
	ImageGenModel   string `yaml:"image_gen_model"`
	SandboxEndpoint string `yaml:"sandbox_endpoint"`
}

// Config is the process-wide static configuration, loaded once at
// startup and passed by reference into component constructors.
type Config struct {
	DataDir     string `yaml:"data_dir"`
	LogDir      string `yaml:"log_dir"`
	InboundAuth string `yaml:"inbound_auth_token"`

	// Providers is ordered; llmgateway fails over from the first
	// entry onward.
	Providers []ProviderConfig `yaml:"providers"`
	Embedding ProviderConfig   `yaml:"embedding"`

	Tools ToolsConfig `yaml:"tools"`

	DebounceWaitMs        int `yaml:"debounce_wait_ms"`
	GatewayMaxConcurrent  int `yaml:"gateway_max_concurrent"`
	GatewayMaxRetries     int `yaml:"gateway_max_retries"`
	GatewayTimeoutSeconds int `yaml:"gateway_timeout_seconds"`
	ProactiveTickSeconds  int `yaml:"proactive_tick_seconds"`
	DreamIntervalMinutes  int `yaml:"dream_interval_minutes"`
	EpisodicCleanupHours  int `yaml:"episodic_cleanup_hours"`

	PersonaPath string `yaml:"persona_path"`
}

// applyDefaults fills in the numeric tunables a config file omits.
func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.LogDir == "" {
		c.LogDir = "./logs"
	}
	if c.DebounceWaitMs == 0 {
		c.DebounceWaitMs = 1500
	}
	if c.GatewayMaxConcurrent == 0 {
		c.GatewayMaxConcurrent = 15
	}
	if c.GatewayMaxRetries == 0 {
		c.GatewayMaxRetries = 2
	}
	if c.GatewayTimeoutSeconds == 0 {
		c.GatewayTimeoutSeconds = 60
	}
	if c.ProactiveTickSeconds == 0 {
		c.ProactiveTickSeconds = 60
	}
	if c.DreamIntervalMinutes == 0 {
		c.DreamIntervalMinutes = 30
	}
	if c.EpisodicCleanupHours == 0 {
		c.EpisodicCleanupHours = 6
	}
}

// applyEnvOverrides lets provider API keys and the inbound auth
// token come from the environment rather than the file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ANIMA_INBOUND_AUTH_TOKEN"); v != "" {
		c.InboundAuth = v
	}
	for i := range c.Providers {
		envKey := "ANIMA_PROVIDER_" + c.Providers[i].Name + "_API_KEY"
		if v := os.Getenv(envKey); v != "" {
			c.Providers[i].APIKey = v
		}
	}
	if v := os.Getenv("ANIMA_EMBEDDING_API_KEY"); v != "" {
		c.Embedding.APIKey = v
	}
	if v := os.Getenv("ANIMA_DATA_DIR"); v != "" {
		c.DataDir = v
	}
}

// Validate catches the configuration errors worth dying for at
// startup: a missing required API key.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("config: at least one provider must be configured")
	}
	for _, p := range c.Providers {
		if p.APIKey == "" {
			return fmt.Errorf("config: provider %q is missing an API key", p.Name)
		}
	}
	if c.Embedding.APIKey == "" {
		return fmt.Errorf("config: embedding provider is missing an API key")
	}
	return nil
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	c.applyDefaults()
	c.applyEnvOverrides()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
