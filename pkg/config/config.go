package config

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// Provider represents an LLM provider configuration.
type Provider struct {
	ID       string `yaml:"id" json:"id"`
	Name     string `yaml:"name" json:"name"`
	Type     string `yaml:"type" json:"type"` // "openrouter", "ollama", "mock"
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	APIKey   string `yaml:"api_key" json:"api_key"`
	Model    string `yaml:"model" json:"model"`
	Enabled  bool   `yaml:"enabled" json:"enabled"`
}

// Config is the main configuration for the forge daemon.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	NATS      NATSConfig      `yaml:"nats"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Security  SecurityConfig  `yaml:"security"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	HotReload HotReloadConfig `yaml:"hot_reload"`
	Providers []Provider      `yaml:"providers"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	HTTPPort     int           `yaml:"http_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// DatabaseConfig configures the PostgreSQL mirror. An empty DSN disables it
// and the daemon runs memory-only.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig configures the read cache. Disabled when Addr is empty.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// NATSConfig configures the event bus backend. With an empty URL the daemon
// uses the in-process bus.
type NATSConfig struct {
	URL        string `yaml:"url"`
	StreamName string `yaml:"stream_name"`
}

// DispatchConfig controls the scheduling ceilings and retry policy.
type DispatchConfig struct {
	MaxBusyAgents       int           `yaml:"max_busy_agents"`
	MaxInFlightProjects int           `yaml:"max_inflight_projects"`
	RetryLimit          int           `yaml:"retry_limit"`
	TaskTimeout         time.Duration `yaml:"task_timeout"`
	TickInterval        time.Duration `yaml:"tick_interval"`
}

// SecurityConfig configures authentication and CORS.
type SecurityConfig struct {
	EnableAuth     bool     `yaml:"enable_auth"`
	APIKeys        []string `yaml:"api_keys,omitempty"`
	JWTSecret      string   `yaml:"jwt_secret"`
	JWTIssuer      string   `yaml:"jwt_issuer"`
	JWTAudience    string   `yaml:"jwt_audience"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	KeyStorePath   string   `yaml:"key_store_path"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// HotReloadConfig configures watching the config file for provider changes.
type HotReloadConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoadConfigFromFile loads configuration from a YAML file at the specified
// path. Environment variable references (e.g. ${OPENROUTER_API_KEY}) are
// expanded before parsing.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port %d", c.Server.HTTPPort)
	}
	if c.Dispatch.MaxBusyAgents <= 0 {
		return fmt.Errorf("max_busy_agents must be positive, got %d", c.Dispatch.MaxBusyAgents)
	}
	if c.Dispatch.MaxInFlightProjects <= 0 {
		return fmt.Errorf("max_inflight_projects must be positive, got %d", c.Dispatch.MaxInFlightProjects)
	}
	if c.Dispatch.RetryLimit < 1 {
		return fmt.Errorf("retry_limit must be at least 1, got %d", c.Dispatch.RetryLimit)
	}
	if c.Dispatch.TaskTimeout <= 0 {
		return fmt.Errorf("task_timeout must be positive, got %v", c.Dispatch.TaskTimeout)
	}
	for _, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider %q has no id", p.Name)
		}
	}
	return nil
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:     8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Redis: RedisConfig{
			DB:  0,
			TTL: 30 * time.Second,
		},
		NATS: NATSConfig{
			StreamName: "FORGE_EVENTS",
		},
		Dispatch: DispatchConfig{
			MaxBusyAgents:       6,
			MaxInFlightProjects: 4,
			RetryLimit:          2,
			TaskTimeout:         5 * time.Minute,
			TickInterval:        10 * time.Second,
		},
		Security: SecurityConfig{
			EnableAuth:     true,
			AllowedOrigins: []string{"*"},
			JWTIssuer:      "forge",
			JWTAudience:    "forge-dashboard",
			KeyStorePath:   "./forge-keys.enc",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "forged",
		},
	}
}

// GetPassword prompts for a password without echoing it to the terminal.
func GetPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	pass, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(pass), nil
}
