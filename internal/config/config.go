package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tributary-ai/fulfillment-router/internal/ingest"
	"github.com/tributary-ai/fulfillment-router/internal/middleware"
	"github.com/tributary-ai/fulfillment-router/internal/providers/httpgw"
	"github.com/tributary-ai/fulfillment-router/internal/reliability"
	"github.com/tributary-ai/fulfillment-router/internal/routing"
	"github.com/tributary-ai/fulfillment-router/internal/security"
	"github.com/tributary-ai/fulfillment-router/internal/server"
	"github.com/tributary-ai/fulfillment-router/internal/store"
	"github.com/tributary-ai/fulfillment-router/internal/weights"
)

// Config represents the complete application configuration
type Config struct {
	Server      ServerConfig       `yaml:"server"`
	Router      routing.Config     `yaml:"router"`
	Providers   []httpgw.Config    `yaml:"providers"`
	Reliability reliability.Config `yaml:"reliability"`
	Weights     WeightsConfig      `yaml:"weights"`
	Storage     StorageConfig      `yaml:"storage"`
	Ingest      ingest.Config      `yaml:"ingest"`
	Logging     LoggingConfig      `yaml:"logging"`
	Security    SecurityConfig     `yaml:"security"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           string        `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
}

// WeightsConfig holds weight adjustment configuration
type WeightsConfig struct {
	AdjustEnabled bool                   `yaml:"adjust_enabled"`
	Adjuster      weights.AdjusterConfig `yaml:"adjuster"`
}

// StorageConfig selects and configures the persistence backend
type StorageConfig struct {
	Driver   string               `yaml:"driver"` // "memory" or "postgres"
	Postgres store.PostgresConfig `yaml:"postgres"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
	Output string `yaml:"output"` // "stdout", "stderr", or file path
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	APIKeys      []string                     `yaml:"api_keys"`
	JWTSecret    string                       `yaml:"jwt_secret"`
	JWTExpiry    time.Duration                `yaml:"jwt_expiry"`
	RateLimiting security.RateLimitConfig     `yaml:"rate_limiting"`
	Validation   middleware.ValidationConfig  `yaml:"request_validation"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}

	config.setDefaults()

	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	config.loadFromEnv()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// setDefaults sets default configuration values
func (c *Config) setDefaults() {
	c.Server = ServerConfig{
		Port:           "8080",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	c.Router = routing.DefaultConfig()

	c.Reliability = reliability.Config{
		HalfLife: 30 * 24 * time.Hour,
	}

	c.Weights = WeightsConfig{
		AdjustEnabled: false,
		Adjuster:      weights.DefaultAdjusterConfig(),
	}

	c.Storage = StorageConfig{
		Driver: "memory",
		Postgres: store.PostgresConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "router",
			Database: "fulfillment_router",
		},
	}

	c.Ingest = ingest.Config{
		Enabled:  false,
		Host:     "localhost",
		Port:     5672,
		User:     "guest",
		Password: "guest",
		Queue:    "fulfillment.outcomes",
		Prefetch: 16,
	}

	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}

	c.Security = SecurityConfig{
		APIKeys:   []string{},
		JWTExpiry: time.Hour,
		RateLimiting: security.RateLimitConfig{
			Enabled:           false,
			RequestsPerMinute: 60,
			BurstSize:         10,
			CleanupInterval:   5 * time.Minute,
		},
		Validation: middleware.ValidationConfig{
			Enabled:  false,
			SpecPath: "docs/openapi.yaml",
		},
	}
}

// loadFromFile loads configuration from YAML file
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables
func (c *Config) loadFromEnv() {
	if port := os.Getenv("ROUTER_PORT"); port != "" {
		c.Server.Port = port
	}

	if level := os.Getenv("ROUTER_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if format := os.Getenv("ROUTER_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}

	if driver := os.Getenv("ROUTER_STORAGE_DRIVER"); driver != "" {
		c.Storage.Driver = driver
	}

	if password := os.Getenv("POSTGRES_PASSWORD"); password != "" {
		c.Storage.Postgres.Password = password
	}

	if password := os.Getenv("RABBITMQ_PASSWORD"); password != "" {
		c.Ingest.Password = password
	}

	if secret := os.Getenv("ROUTER_JWT_SECRET"); secret != "" {
		c.Security.JWTSecret = secret
	}
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Storage.Driver != "memory" && c.Storage.Driver != "postgres" {
		return fmt.Errorf("invalid storage driver: %s", c.Storage.Driver)
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.ProviderID == "" {
			return fmt.Errorf("provider %d is missing provider_id", i)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("provider %s is missing base_url", p.ProviderID)
		}
		if seen[p.ProviderID] {
			return fmt.Errorf("duplicate provider_id: %s", p.ProviderID)
		}
		seen[p.ProviderID] = true
	}

	if c.Router.QuoteTimeout <= 0 {
		return fmt.Errorf("quote timeout must be positive")
	}
	if c.Router.TokenTTL <= 0 {
		return fmt.Errorf("token ttl must be positive")
	}

	if c.Reliability.HalfLife <= 0 {
		return fmt.Errorf("reliability half life must be positive")
	}

	if c.Weights.AdjustEnabled {
		if c.Weights.Adjuster.Step <= 0 || c.Weights.Adjuster.Step >= 1 {
			return fmt.Errorf("adjuster step must be in (0, 1)")
		}
		if c.Weights.Adjuster.MinSamples <= 0 {
			return fmt.Errorf("adjuster min samples must be positive")
		}
	}

	return nil
}

// ToServerConfig converts to server.ServerConfig
func (c *Config) ToServerConfig() *server.ServerConfig {
	return &server.ServerConfig{
		Port:           c.Server.Port,
		ReadTimeout:    c.Server.ReadTimeout,
		WriteTimeout:   c.Server.WriteTimeout,
		MaxHeaderBytes: c.Server.MaxHeaderBytes,
		Security:       c.ToSecurityConfig(),
	}
}

// ToSecurityConfig converts to middleware.SecurityConfig
func (c *Config) ToSecurityConfig() *middleware.SecurityConfig {
	rateLimit := c.Security.RateLimiting
	validation := c.Security.Validation
	return &middleware.SecurityConfig{
		Auth: &security.Config{
			APIKeys:     c.Security.APIKeys,
			JWTSecret:   c.Security.JWTSecret,
			JWTExpiry:   c.Security.JWTExpiry,
			RequireAuth: len(c.Security.APIKeys) > 0 || c.Security.JWTSecret != "",
		},
		RateLimit:  &rateLimit,
		Validation: &validation,
	}
}

// SaveToFile saves the current configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ProviderIDs returns the configured provider ids in order
func (c *Config) ProviderIDs() []string {
	ids := make([]string, 0, len(c.Providers))
	for _, p := range c.Providers {
		ids = append(ids, p.ProviderID)
	}
	return ids
}
