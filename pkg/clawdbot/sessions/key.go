// Package sessions implements the session key model and the on-disk session
// store used by the agent runtime. A session key uniquely identifies one
// conversational context and has the canonical form "agent:<agentId>:<scope>",
// where scope is channel-specific (a chat address, "main", or a subagent id).
package sessions

import "strings"

// KeyPrefix is the leading segment of every canonical session key.
const KeyPrefix = "agent"

// MainScope is the scope segment of an agent's main session.
const MainScope = "main"

// SessionKey is a structured session identifier. AgentID is case-normalized;
// Scope keeps its original casing (chat ids can be case-sensitive).
type SessionKey struct {
	AgentID string
	Scope   string
}

// String returns the canonical string form: "agent:<agentId>:<scope>".
func (k SessionKey) String() string {
	return KeyPrefix + ":" + k.AgentID + ":" + k.Scope
}

// IsSubagent reports whether the key addresses a spawned subagent session.
func (k SessionKey) IsSubagent() bool {
	return strings.HasPrefix(k.Scope, "subagent:")
}

// ParseKey parses a canonical session key. Returns false for anything that is
// not of the form "agent:<agentId>:<scope>" with non-empty segments.
func ParseKey(raw string) (SessionKey, bool) {
	raw = strings.TrimSpace(raw)
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 || parts[0] != KeyPrefix || parts[1] == "" || parts[2] == "" {
		return SessionKey{}, false
	}
	return SessionKey{AgentID: strings.ToLower(parts[1]), Scope: parts[2]}, true
}

// NormalizeKey re-derives the canonical form of a session key, lowercasing the
// agent segment. Unparseable input is returned trimmed but otherwise as-is so
// lookups fail loudly downstream instead of silently matching nothing.
func NormalizeKey(raw string) string {
	if k, ok := ParseKey(raw); ok {
		return k.String()
	}
	return strings.TrimSpace(raw)
}

// ResolveKey normalizes raw and resolves the "main" alias. A bare "main"
// resolves to mainKey (the configured main session); "agent:<id>:main" stays
// as-is since it is already canonical.
func ResolveKey(raw, mainKey string) string {
	raw = strings.TrimSpace(raw)
	if strings.EqualFold(raw, MainScope) && mainKey != "" {
		return NormalizeKey(mainKey)
	}
	return NormalizeKey(raw)
}

// SubagentKey builds the session key for a spawned subagent of the given
// agent. The id is an opaque unique token (callers use a fresh UUID).
func SubagentKey(agentID, id string) string {
	return SessionKey{AgentID: strings.ToLower(agentID), Scope: "subagent:" + id}.String()
}

// AgentIDFromKey extracts the case-normalized agent id, or "" if raw is not a
// canonical key.
func AgentIDFromKey(raw string) string {
	if k, ok := ParseKey(raw); ok {
		return k.AgentID
	}
	return ""
}
