// Package subagents implements the subagent orchestration core: the registry
// of in-flight child agent runs, the admission-controlled spawn engine, the
// chat command surface (/subagents, /kill, /steer, /tell), and the
// interruption/steering pipeline.
//
//	Requester session ──spawn──▶ Engine ──RPC──▶ gateway (child session + run)
//	                                │
//	                                ▼
//	                            Registry
//	                    tracks runs per requester,
//	                    depth/fan-out admission state,
//	                    steer bookkeeping, archival
//
// The registry is the only state this subsystem owns. The gateway process
// owns all live run state; a restart of this process clears the registry and
// makes in-flight runs unreachable, which is acceptable because the gateway
// keeps (and eventually times out) its own view of those runs.
package subagents

import "strings"

// Config configures the subagent orchestration core.
type Config struct {
	// MaxSpawnDepth bounds nested spawning (default: 1, meaning subagents
	// cannot themselves spawn further subagents).
	MaxSpawnDepth int `yaml:"max_spawn_depth"`

	// MaxChildrenPerAgent bounds concurrently active children per requester
	// session (default: 5).
	MaxChildrenPerAgent int `yaml:"max_children_per_agent"`

	// Model is the default model for spawned subagents (empty = fall through
	// to the global default model).
	Model string `yaml:"model"`

	// ThinkingLevel is the default thinking level for spawned subagents.
	ThinkingLevel string `yaml:"thinking_level"`

	// RetentionMinutes keeps ended runs listable for this long before they
	// are archived and dropped from the registry (default: 30).
	RetentionMinutes int `yaml:"retention_minutes"`

	// SettleWaitSeconds bounds the best-effort wait for an aborted run to
	// settle during a steer (default: 5).
	SettleWaitSeconds int `yaml:"settle_wait_seconds"`

	// SendWaitSeconds bounds the synchronous wait of the send action
	// (default: 30).
	SendWaitSeconds int `yaml:"send_wait_seconds"`

	// ArchiveDB is the SQLite file ended runs are archived to before
	// eviction. Empty disables archival (runs vanish after retention).
	ArchiveDB string `yaml:"archive_db"`

	// ArchiveRetentionDays prunes archived runs older than this (default: 7).
	ArchiveRetentionDays int `yaml:"archive_retention_days"`

	// Agents holds per-agent overrides keyed by lowercase agent id.
	Agents map[string]AgentOverrides `yaml:"agents"`
}

// AgentOverrides are per-agent deviations from the global subagent policy.
type AgentOverrides struct {
	// Model is this agent's default model for subagents it spawns.
	Model string `yaml:"model"`

	// ThinkingLevel is this agent's default thinking level for subagents.
	ThinkingLevel string `yaml:"thinking_level"`

	// AllowAgents lists agent ids this agent may spawn besides itself.
	// The entry "*" allows any agent.
	AllowAgents []string `yaml:"allow_agents"`

	// MaxSpawnDepth / MaxChildrenPerAgent override the global limits when
	// positive.
	MaxSpawnDepth       int `yaml:"max_spawn_depth"`
	MaxChildrenPerAgent int `yaml:"max_children_per_agent"`
}

// DefaultConfig returns safe defaults.
func DefaultConfig() Config {
	return Config{
		MaxSpawnDepth:        1,
		MaxChildrenPerAgent:  5,
		RetentionMinutes:     30,
		SettleWaitSeconds:    5,
		SendWaitSeconds:      30,
		ArchiveRetentionDays: 7,
	}
}

// Normalize fills zero values with defaults and lowercases agent keys.
func (c Config) Normalize() Config {
	def := DefaultConfig()
	if c.MaxSpawnDepth <= 0 {
		c.MaxSpawnDepth = def.MaxSpawnDepth
	}
	if c.MaxChildrenPerAgent <= 0 {
		c.MaxChildrenPerAgent = def.MaxChildrenPerAgent
	}
	if c.RetentionMinutes <= 0 {
		c.RetentionMinutes = def.RetentionMinutes
	}
	if c.SettleWaitSeconds <= 0 {
		c.SettleWaitSeconds = def.SettleWaitSeconds
	}
	if c.SendWaitSeconds <= 0 {
		c.SendWaitSeconds = def.SendWaitSeconds
	}
	if c.ArchiveRetentionDays <= 0 {
		c.ArchiveRetentionDays = def.ArchiveRetentionDays
	}
	if len(c.Agents) > 0 {
		agents := make(map[string]AgentOverrides, len(c.Agents))
		for id, ov := range c.Agents {
			agents[strings.ToLower(id)] = ov
		}
		c.Agents = agents
	}
	return c
}

// AgentOverridesFor returns the overrides configured for an agent id.
func (c Config) AgentOverridesFor(agentID string) AgentOverrides {
	return c.Agents[strings.ToLower(agentID)]
}

// MaxDepthFor returns the effective spawn-depth limit for an agent.
func (c Config) MaxDepthFor(agentID string) int {
	if ov := c.AgentOverridesFor(agentID); ov.MaxSpawnDepth > 0 {
		return ov.MaxSpawnDepth
	}
	if c.MaxSpawnDepth > 0 {
		return c.MaxSpawnDepth
	}
	return DefaultConfig().MaxSpawnDepth
}

// MaxChildrenFor returns the effective fan-out limit for an agent.
func (c Config) MaxChildrenFor(agentID string) int {
	if ov := c.AgentOverridesFor(agentID); ov.MaxChildrenPerAgent > 0 {
		return ov.MaxChildrenPerAgent
	}
	if c.MaxChildrenPerAgent > 0 {
		return c.MaxChildrenPerAgent
	}
	return DefaultConfig().MaxChildrenPerAgent
}
