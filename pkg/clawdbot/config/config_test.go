package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "clawdbot.yaml")
	yaml := `
name: testbot
model: claude-opus
main_session_key: agent:main:whatsapp:default
gateway:
  url: http://127.0.0.1:9999
  auth_token: tok
subagents:
  max_spawn_depth: 2
  max_children_per_agent: 3
  agents:
    Research:
      allow_agents: ["*"]
admin:
  address: 127.0.0.1:9090
logging:
  level: debug
  format: text
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Name != "testbot" || cfg.Model != "claude-opus" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Gateway.URL != "http://127.0.0.1:9999" || cfg.Gateway.AuthToken != "tok" {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
	if cfg.Subagents.MaxSpawnDepth != 2 || cfg.Subagents.MaxChildrenPerAgent != 3 {
		t.Errorf("subagents = %+v", cfg.Subagents)
	}
	// Normalization ran: defaults filled, agent keys lowercased.
	if cfg.Subagents.RetentionMinutes == 0 {
		t.Error("subagents config not normalized")
	}
	if _, ok := cfg.Subagents.Agents["research"]; !ok {
		t.Error("agent keys not lowercased")
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestLoadKeepsDefaultsForOmittedSections(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "clawdbot.yaml")
	if err := os.WriteFile(path, []byte("name: minimal\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	def := Default()
	if cfg.Gateway.URL != def.Gateway.URL {
		t.Errorf("Gateway.URL = %q", cfg.Gateway.URL)
	}
	if cfg.Admin.Address != def.Admin.Address {
		t.Errorf("Admin.Address = %q", cfg.Admin.Address)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q", cfg.Logging.Format)
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "clawdbot.yaml")
	if err := os.WriteFile(path, []byte("name: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load accepted invalid YAML")
	}
}

func TestResolveExplicitPathMissing(t *testing.T) {
	t.Parallel()

	if _, _, err := Resolve(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Resolve succeeded for a missing explicit path")
	}
}
