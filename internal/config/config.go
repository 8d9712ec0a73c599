// Package config loads the ambient server configuration: listening port,
// HTTP timeouts, logging level, and the metrics toggle. The separate
// fallback-chain document (internal/fallback) is config in the domain
// sense but has its own file and its own hot-reload lifecycle.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quotio/quotio/internal/pool"
)

// Config is the complete process configuration.
type Config struct {
	Server      ServerConfig     `yaml:"server"`
	Providers   []ProviderConfig `yaml:"providers"`
	Pool        PoolConfig       `yaml:"pool"`
	Logging     LoggingConfig    `yaml:"logging"`
	Metrics     MetricsConfig    `yaml:"metrics"`
	APIKeys     APIKeyConfig     `yaml:"api_keys"`
	Fallback    FallbackConfig   `yaml:"fallback"`
	Credentials CredentialConfig `yaml:"credentials"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// ProviderConfig configures one registered executor: which adapter kind
// to instantiate (claude/gemini/openai/openailike), its default base URL,
// and its outbound rate limit.
type ProviderConfig struct {
	Name              string  `yaml:"name"`
	Kind              string  `yaml:"kind"` // claude, gemini, openai, openailike
	BaseURL           string  `yaml:"base_url"`
	ChatPath          string  `yaml:"chat_path"` // openai/openailike only; defaults to /v1/chat/completions
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	AllowPrivateHosts bool    `yaml:"allow_private_hosts"`
	OAuthTokenURL     string  `yaml:"oauth_token_url"` // optional; refresh-token exchange endpoint
	OAuthClientID     string  `yaml:"oauth_client_id"` // optional; paired with oauth_token_url
}

// PoolConfig controls the credential pool's retry loop and selector
// strategy (spec §4.2, §4.4).
type PoolConfig struct {
	Selector       string `yaml:"selector"` // round_robin, fill_first
	RetryCount     int    `yaml:"retry_count"`
	MaxRetryWaitMs int64  `yaml:"max_retry_wait_ms"`
}

// ToPoolConfig adapts PoolConfig to pool.Config.
func (c PoolConfig) ToPoolConfig() pool.Config {
	return pool.Config{RetryCount: c.RetryCount, MaxRetryWaitMs: c.MaxRetryWaitMs}
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// APIKeyConfig points at the local API-key store file.
type APIKeyConfig struct {
	StorePath string `yaml:"store_path"`
}

// FallbackConfig points at the hot-reloaded fallback-chain document.
type FallbackConfig struct {
	ConfigPath string `yaml:"config_path"`
}

// CredentialConfig points at the credential store file. An empty
// StorePath falls back to credential.DefaultStorePath().
type CredentialConfig struct {
	StorePath string `yaml:"store_path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8317,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Pool: PoolConfig{
			Selector:       "round_robin",
			RetryCount:     1,
			MaxRetryWaitMs: 2000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file, expanding
// ${VAR_NAME} environment references, and validates the result.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for obvious errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers[%d]: name is required", i)
		}
		if p.Kind == "" {
			return fmt.Errorf("providers[%d] %q: kind is required", i, p.Name)
		}
	}
	switch c.Pool.Selector {
	case "", "round_robin", "fill_first":
	default:
		return fmt.Errorf("pool.selector: unknown strategy %q", c.Pool.Selector)
	}
	return nil
}
