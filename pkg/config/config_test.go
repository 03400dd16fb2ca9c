package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() = %v, want nil", err)
	}
	if cfg.Dispatch.RetryLimit < 1 {
		t.Errorf("RetryLimit = %d, want >= 1", cfg.Dispatch.RetryLimit)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "forge.yaml")

	os.Setenv("FORGE_TEST_KEY", "sk-test-123")
	defer os.Unsetenv("FORGE_TEST_KEY")

	content := `
server:
  http_port: 9090
dispatch:
  max_busy_agents: 3
  max_inflight_projects: 2
  retry_limit: 4
  task_timeout: 90s
providers:
  - id: openrouter
    name: OpenRouter
    type: openrouter
    endpoint: https://openrouter.ai/api/v1
    api_key: ${FORGE_TEST_KEY}
    model: anthropic/claude-sonnet
    enabled: true
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFromFile() error = %v", err)
	}

	if cfg.Server.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want 9090", cfg.Server.HTTPPort)
	}
	if cfg.Dispatch.RetryLimit != 4 {
		t.Errorf("RetryLimit = %d, want 4", cfg.Dispatch.RetryLimit)
	}
	if cfg.Dispatch.TaskTimeout != 90*time.Second {
		t.Errorf("TaskTimeout = %v, want 90s", cfg.Dispatch.TaskTimeout)
	}
	// Defaults survive a partial file.
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("ReadTimeout = %v, want default 30s", cfg.Server.ReadTimeout)
	}
	if len(cfg.Providers) != 1 {
		t.Fatalf("len(Providers) = %d, want 1", len(cfg.Providers))
	}
	if cfg.Providers[0].APIKey != "sk-test-123" {
		t.Errorf("APIKey = %q, want env-expanded value", cfg.Providers[0].APIKey)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.HTTPPort = 0 }},
		{"zero busy ceiling", func(c *Config) { c.Dispatch.MaxBusyAgents = 0 }},
		{"zero project ceiling", func(c *Config) { c.Dispatch.MaxInFlightProjects = 0 }},
		{"zero retry limit", func(c *Config) { c.Dispatch.RetryLimit = 0 }},
		{"zero timeout", func(c *Config) { c.Dispatch.TaskTimeout = 0 }},
		{"provider without id", func(c *Config) { c.Providers = []Provider{{Name: "x"}} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate() = nil, want error")
			}
		})
	}
}

func TestLoadConfigFromFileMissing(t *testing.T) {
	if _, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("LoadConfigFromFile() on missing file = nil, want error")
	}
}
