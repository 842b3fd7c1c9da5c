// Package config loads the service configuration from YAML with
// environment-variable expansion and defaults.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Session   SessionConfig   `yaml:"session"`
	Generator GeneratorConfig `yaml:"generator"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig configures the record store. An empty DSN selects the
// in-memory store.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// SessionConfig configures session lifecycle.
type SessionConfig struct {
	TTL          time.Duration `yaml:"ttl"`
	ReapInterval time.Duration `yaml:"reap_interval"`
}

// GeneratorConfig configures the external completion provider.
type GeneratorConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Timeout     time.Duration `yaml:"timeout"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
}

// RateLimitConfig configures per-origin generator budgets.
type RateLimitConfig struct {
	Window      time.Duration `yaml:"window"`
	MaxRequests int           `yaml:"max_requests"`
	MaxTokens   int           `yaml:"max_tokens"`
}

// Load reads, expands, and validates a configuration file.
func Load(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Session.TTL == 0 {
		cfg.Session.TTL = 30 * 24 * time.Hour
	}
	if cfg.Session.ReapInterval == 0 {
		cfg.Session.ReapInterval = time.Hour
	}
	if cfg.Generator.BaseURL == "" {
		cfg.Generator.BaseURL = "https://api.openai.com"
	}
	if cfg.Generator.Model == "" {
		cfg.Generator.Model = "gpt-4o-mini"
	}
	if cfg.Generator.Timeout == 0 {
		cfg.Generator.Timeout = 2 * time.Minute
	}
	if cfg.Generator.Temperature == 0 {
		cfg.Generator.Temperature = 0.2
	}
	if cfg.Generator.MaxTokens == 0 {
		cfg.Generator.MaxTokens = 4096
	}
	if cfg.RateLimit.Window == 0 {
		cfg.RateLimit.Window = time.Minute
	}
	if cfg.RateLimit.MaxRequests == 0 {
		cfg.RateLimit.MaxRequests = 20
	}
	if cfg.RateLimit.MaxTokens == 0 {
		cfg.RateLimit.MaxTokens = 100000
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	var errs []string

	if c.Session.TTL < time.Minute {
		errs = append(errs, "session.ttl must be at least one minute")
	}
	if c.RateLimit.MaxRequests < 0 || c.RateLimit.MaxTokens < 0 {
		errs = append(errs, "rate_limit budgets must not be negative")
	}
	if c.Database.DSN != "" && c.Database.MaxOpenConns < 1 {
		errs = append(errs, "database.max_open_conns must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}
