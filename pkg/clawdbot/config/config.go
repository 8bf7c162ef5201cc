// Package config defines the Clawdbot configuration file structure and
// loading. Configuration is explicit everywhere: the loaded Config is
// threaded into each component at construction, never read through ambient
// package state.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/clawdbot/clawdbot/pkg/clawdbot/gateway"
	"github.com/clawdbot/clawdbot/pkg/clawdbot/sessions"
	"github.com/clawdbot/clawdbot/pkg/clawdbot/subagents"
)

// Config holds all Clawdbot orchestrator configuration.
type Config struct {
	// Name is the bot name shown in replies and logs.
	Name string `yaml:"name"`

	// Model is the global default model, the last fallback in subagent
	// model resolution.
	Model string `yaml:"model"`

	// MainSessionKey is the canonical session the "main" alias resolves to
	// (e.g. "agent:main:whatsapp:default").
	MainSessionKey string `yaml:"main_session_key"`

	// Gateway configures the RPC client to the gateway process.
	Gateway gateway.ClientConfig `yaml:"gateway"`

	// Sessions locates the on-disk session store.
	Sessions sessions.StoreConfig `yaml:"sessions"`

	// Subagents configures the orchestration core.
	Subagents subagents.Config `yaml:"subagents"`

	// Admin configures the local admin HTTP surface of `clawdbot serve`.
	Admin AdminConfig `yaml:"admin"`

	// Logging configures slog output.
	Logging LoggingConfig `yaml:"logging"`
}

// AdminConfig is the serve daemon's HTTP listener.
type AdminConfig struct {
	// Address to bind (default: loopback only).
	Address string `yaml:"address"`

	// AuthToken requires Authorization: Bearer <token> when non-empty.
	AuthToken string `yaml:"auth_token"`
}

// LoggingConfig selects log level and format.
type LoggingConfig struct {
	// Level is "debug", "info", "warn", or "error".
	Level string `yaml:"level"`

	// Format is "json" (default) or "text".
	Format string `yaml:"format"`
}

// Default returns a runnable default configuration.
func Default() Config {
	return Config{
		Name:      "clawdbot",
		Gateway:   gateway.DefaultClientConfig(),
		Sessions:  sessions.DefaultStoreConfig(),
		Subagents: subagents.DefaultConfig(),
		Admin:     AdminConfig{Address: "127.0.0.1:8087"},
		Logging:   LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads and normalizes the YAML config at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Subagents = cfg.Subagents.Normalize()
	if cfg.Admin.Address == "" {
		cfg.Admin.Address = Default().Admin.Address
	}
	return cfg, nil
}

// loadDotEnv loads .env from the working directory if present.
// godotenv.Load does NOT overwrite existing env vars.
func loadDotEnv() {
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load(".env")
	}
}

// applyEnvOverrides fills secrets from the environment when the config file
// leaves them empty. Tokens never need to live in YAML.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CLAWDBOT_GATEWAY_TOKEN"); v != "" && cfg.Gateway.AuthToken == "" {
		cfg.Gateway.AuthToken = v
	}
	if v := os.Getenv("CLAWDBOT_ADMIN_TOKEN"); v != "" && cfg.Admin.AuthToken == "" {
		cfg.Admin.AuthToken = v
	}
	if v := os.Getenv("CLAWDBOT_GATEWAY_URL"); v != "" {
		cfg.Gateway.URL = v
	}
}

// Resolve finds the config file: the explicit path if given, else
// ./clawdbot.yaml, else ~/.config/clawdbot/config.yaml. Returns the loaded
// config and the path it came from.
func Resolve(explicit string) (Config, string, error) {
	loadDotEnv()
	candidates := []string{}
	if explicit != "" {
		candidates = append(candidates, explicit)
	} else {
		candidates = append(candidates, "clawdbot.yaml")
		if home, err := os.UserHomeDir(); err == nil {
			candidates = append(candidates, filepath.Join(home, ".config", "clawdbot", "config.yaml"))
		}
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			cfg, err := Load(path)
			if err != nil {
				return Config{}, "", err
			}
			applyEnvOverrides(&cfg)
			return cfg, path, nil
		}
	}
	if explicit != "" {
		return Config{}, "", fmt.Errorf("config file not found: %s", explicit)
	}
	cfg := Default()
	applyEnvOverrides(&cfg)
	return cfg, "", nil
}
