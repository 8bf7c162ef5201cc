package sessions

import (
	"testing"
)

func TestParseKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		agentID string
		scope   string
		ok      bool
	}{
		{"agent:main:whatsapp:123", "main", "whatsapp:123", true},
		{"agent:Main:whatsapp:123", "main", "whatsapp:123", true},
		{"agent:research:subagent:abc-def", "research", "subagent:abc-def", true},
		{"  agent:main:main  ", "main", "main", true},

		// Not canonical.
		{"main", "", "", false},
		{"agent:main", "", "", false},
		{"agent::scope", "", "", false},
		{"agent:main:", "", "", false},
		{"session:main:scope", "", "", false},
		{"", "", "", false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			key, ok := ParseKey(tt.raw)
			if ok != tt.ok {
				t.Fatalf("ParseKey(%q) ok = %v, want %v", tt.raw, ok, tt.ok)
			}
			if !ok {
				return
			}
			if key.AgentID != tt.agentID || key.Scope != tt.scope {
				t.Errorf("ParseKey(%q) = {%q, %q}, want {%q, %q}",
					tt.raw, key.AgentID, key.Scope, tt.agentID, tt.scope)
			}
		})
	}
}

func TestNormalizeKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want string
	}{
		{"agent:Main:whatsapp:123", "agent:main:whatsapp:123"},
		{"agent:main:Whatsapp:ABC", "agent:main:Whatsapp:ABC"}, // scope casing kept
		{"  agent:main:main ", "agent:main:main"},
		{"not-a-key", "not-a-key"},
		{"  garbage  ", "garbage"},
	}

	for _, tt := range tests {
		tt := tt
		if got := NormalizeKey(tt.raw); got != tt.want {
			t.Errorf("NormalizeKey(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestResolveKey(t *testing.T) {
	t.Parallel()

	const mainKey = "agent:Main:whatsapp:default"

	tests := []struct {
		raw  string
		want string
	}{
		{"main", "agent:main:whatsapp:default"},
		{"MAIN", "agent:main:whatsapp:default"},
		{"agent:other:main", "agent:other:main"},
		{"agent:Other:scope", "agent:other:scope"},
	}

	for _, tt := range tests {
		tt := tt
		if got := ResolveKey(tt.raw, mainKey); got != tt.want {
			t.Errorf("ResolveKey(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}

	// Without a configured main key, "main" stays as typed.
	if got := ResolveKey("main", ""); got != "main" {
		t.Errorf("ResolveKey(main, empty) = %q, want %q", got, "main")
	}
}

func TestSubagentKey(t *testing.T) {
	t.Parallel()

	got := SubagentKey("Research", "abc-123")
	want := "agent:research:subagent:abc-123"
	if got != want {
		t.Fatalf("SubagentKey = %q, want %q", got, want)
	}

	key, ok := ParseKey(got)
	if !ok {
		t.Fatalf("SubagentKey output did not parse: %q", got)
	}
	if !key.IsSubagent() {
		t.Errorf("IsSubagent() = false for %q", got)
	}

	main, _ := ParseKey("agent:main:whatsapp:123")
	if main.IsSubagent() {
		t.Errorf("IsSubagent() = true for a chat session key")
	}
}

func TestAgentIDFromKey(t *testing.T) {
	t.Parallel()

	if got := AgentIDFromKey("agent:Research:subagent:x"); got != "research" {
		t.Errorf("AgentIDFromKey = %q, want %q", got, "research")
	}
	if got := AgentIDFromKey("bogus"); got != "" {
		t.Errorf("AgentIDFromKey(bogus) = %q, want empty", got)
	}
}
