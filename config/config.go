// Package config loads relay host configuration from TOML with
// environment overrides. The zero config runs: every field has a default
// matching the library's own.
package config

import (
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	// Model is the default model reference, "provider:model".
	Model     string                    `toml:"model"`
	Agent     AgentConfig               `toml:"agent"`
	Retry     RetryConfig               `toml:"retry"`
	Tools     ToolsConfig               `toml:"tools"`
	Approval  ApprovalConfig            `toml:"approval"`
	Providers map[string]ProviderConfig `toml:"providers"`
	Observer  ObserverConfig            `toml:"observer"`
	Store     StoreConfig               `toml:"store"`
}

type AgentConfig struct {
	MaxIterations int  `toml:"max_iterations"`
	TimeoutMS     int  `toml:"timeout_ms"`
	ParallelTools bool `toml:"parallel_tools"`
}

// RetryConfig tunes provider retry behavior. Tool retry budgets live on
// the tool descriptors themselves.
type RetryConfig struct {
	MaxAttempts int `toml:"max_attempts"`
	BaseDelayMS int `toml:"base_delay_ms"`
}

type ToolsConfig struct {
	TimeoutMS int `toml:"timeout_ms"`
}

type ApprovalConfig struct {
	TimeoutMS int `toml:"timeout_ms"`
}

// ProviderConfig is one [providers.<name>] credential table entry. Values
// support ${VAR} expansion so keys can live in the environment.
type ProviderConfig struct {
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
}

type ObserverConfig struct {
	Enabled     bool   `toml:"enabled"`
	Endpoint    string `toml:"endpoint"`
	ServiceName string `toml:"service_name"`
	Insecure    bool   `toml:"insecure"`
	// Pricing overrides per-model token pricing for cost metrics, in USD
	// per million tokens, keyed by model name.
	Pricing map[string]PricingConfig `toml:"pricing"`
}

// PricingConfig is one [observer.pricing.<model>] entry.
type PricingConfig struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

type StoreConfig struct {
	// Driver selects the archive backend: "", "sqlite" or "postgres".
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Model:    "openai:gpt-4o",
		Agent:    AgentConfig{MaxIterations: 10},
		Retry:    RetryConfig{MaxAttempts: 3, BaseDelayMS: 250},
		Tools:    ToolsConfig{TimeoutMS: 30000},
		Approval: ApprovalConfig{TimeoutMS: 300000},
		Observer: ObserverConfig{Endpoint: "localhost:4318", ServiceName: "relay", Insecure: true},
		Store:    StoreConfig{Driver: "sqlite", DSN: "relay.db"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "relay.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// ${VAR} expansion on credential-bearing fields.
	for name, p := range cfg.Providers {
		p.APIKey = expand(p.APIKey)
		p.BaseURL = expand(p.BaseURL)
		cfg.Providers[name] = p
	}
	cfg.Store.DSN = expand(cfg.Store.DSN)
	cfg.Observer.Endpoint = expand(cfg.Observer.Endpoint)

	// Env overrides
	if v := os.Getenv("RELAY_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("RELAY_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("RELAY_OTLP_ENDPOINT"); v != "" {
		cfg.Observer.Endpoint = v
	}
	if os.Getenv("RELAY_OBSERVER_ENABLED") == "true" || os.Getenv("RELAY_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}

// Provider returns the credential table entry for a provider name, or the
// zero value when the table has no entry.
func (c Config) Provider(name string) ProviderConfig {
	return c.Providers[strings.ToLower(name)]
}

// expand substitutes ${VAR} references from the environment. Values
// without a reference pass through untouched.
func expand(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, os.Getenv)
}
