// Package config loads runtime configuration: defaults, then an optional
// YAML file, then environment variables. Environment wins.
package config

import (
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	aworld "github.com/nevindra/aworld"
	"github.com/nevindra/aworld/mcptool"
)

// Config is the full runtime configuration.
type Config struct {
	LLM      LLMConfig        `yaml:"llm"`
	Run      aworld.RunConf   `yaml:"run"`
	Store    StoreConfig      `yaml:"store"`
	Observer ObserverConfig   `yaml:"observer"`
	Log      LogConfig        `yaml:"log"`
	MCP      []mcptool.Config `yaml:"mcp_servers"`

	// Workspace roots sandboxed shell execution.
	Workspace string `yaml:"workspace" env:"AWORLD_WORKSPACE"`
}

// LLMConfig selects the chat provider.
type LLMConfig struct {
	Provider    string  `yaml:"provider" env:"LLM_PROVIDER"`
	APIKey      string  `yaml:"api_key" env:"LLM_API_KEY"`
	Model       string  `yaml:"model" env:"LLM_MODEL_NAME"`
	BaseURL     string  `yaml:"base_url" env:"LLM_BASE_URL"`
	Temperature float64 `yaml:"temperature" env:"LLM_TEMPERATURE"`
}

// StoreConfig selects the trajectory store. Driver is "", "sqlite", or
// "postgres".
type StoreConfig struct {
	Driver string `yaml:"driver" env:"AWORLD_STORE_DRIVER"`
	DSN    string `yaml:"dsn" env:"AWORLD_STORE_DSN"`
}

// ObserverConfig toggles OpenTelemetry export.
type ObserverConfig struct {
	Enabled bool `yaml:"enabled" env:"AWORLD_OBSERVER_ENABLED"`
}

// LogConfig controls the slog handler and on-disk artifacts.
type LogConfig struct {
	Level  string `yaml:"level" env:"AWORLD_LOG_LEVEL"`
	Format string `yaml:"format" env:"AWORLD_LOG_FORMAT"`
	// Path is a directory for log output and per-task trajectory dumps.
	// Empty keeps logs on stderr and skips the dumps.
	Path string `yaml:"path" env:"AWORLD_LOG_PATH"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		LLM: LLMConfig{
			Provider: "openai",
			Model:    "gpt-4o-mini",
			BaseURL:  "https://api.openai.com/v1",
		},
		Store:     StoreConfig{DSN: "aworld.db"},
		Log:       LogConfig{Level: "info", Format: "text"},
		Workspace: filepath.Join(home, "aworld-workspace"),
	}
}

// Load reads config: defaults -> YAML file -> env vars (env wins). A missing
// file is not an error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = "aworld.yaml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, aworld.WrapError(aworld.ErrInvalidConfig, err, "parse %s", path)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, aworld.WrapError(aworld.ErrInvalidConfig, err, "parse environment")
	}
	return cfg, nil
}
