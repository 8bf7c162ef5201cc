// spawn.go turns an admission-checked spawn request into a running child
// session plus a registry entry. Admission never has side effects; once
// admission passes, each gateway call can fail independently and the partial
// state (an orphaned child session, say) is reported back to the caller via
// the child session key instead of being rolled back.
package subagents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clawdbot/clawdbot/pkg/clawdbot/gateway"
	"github.com/clawdbot/clawdbot/pkg/clawdbot/sessions"
)

// Spawn result statuses.
const (
	SpawnAccepted  = "accepted"
	SpawnForbidden = "forbidden"
	SpawnError     = "error"
)

// LaneSubagent is the execution lane child runs are routed to, keeping them
// off the requester's interactive lane.
const LaneSubagent = "subagent"

// ThinkingLevels are the recognized thinking-level tokens, in ascending
// order. "off" clears the override on the child session.
var ThinkingLevels = []string{"off", "minimal", "low", "medium", "high"}

// ValidThinkingLevel reports whether token is a known thinking level.
func ValidThinkingLevel(token string) bool {
	for _, l := range ThinkingLevels {
		if token == l {
			return true
		}
	}
	return false
}

// RunController is the model-execution collaborator for cancellation. Both
// calls are fire-and-forget at the engine level: the registry is marked
// terminated regardless of how fast the underlying work actually stops.
type RunController interface {
	// SignalAbort asks the execution engine to abort the session's
	// in-flight run, addressed by its opaque session id.
	SignalAbort(sessionKey, sessionID string)

	// ClearQueued drops queued follow-up work for the session so nothing
	// stale runs after an abort.
	ClearQueued(sessionKey, sessionID string)
}

// SpawnRequest is one spawn attempt's inputs.
type SpawnRequest struct {
	// Task is the instruction given to the child. Required.
	Task string

	// Label is an optional short name; derived from Task when empty.
	Label string

	// AgentID targets a different agent than the requester's own.
	AgentID string

	// Model and Thinking are explicit overrides for the child session.
	Model    string
	Thinking string

	// RunTimeoutSeconds bounds the child run; 0 = unlimited.
	RunTimeoutSeconds int

	// Cleanup is "keep" (default) or "delete".
	Cleanup string
}

// SpawnContext carries the requester's identity and delivery routing.
type SpawnContext struct {
	RequesterSessionKey string
	RequesterAgentID    string
	DisplayKey          string
	Origin              Origin
}

// SpawnResult reports the outcome of a spawn attempt. ChildSessionKey is set
// whenever the child session may already exist in the gateway, even on
// failure, so operators can inspect or clean it up.
type SpawnResult struct {
	Status          string `json:"status"`
	Error           string `json:"error,omitempty"`
	ChildSessionKey string `json:"childSessionKey,omitempty"`
	RunID           string `json:"runId,omitempty"`
	ModelApplied    string `json:"modelApplied,omitempty"`
	Warning         string `json:"warning,omitempty"`
}

// Spawner is the engine surface the command layer depends on (mockable).
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest, sc SpawnContext) SpawnResult
}

// Engine wires the registry, gateway client, session store, and run
// controller into the spawn/steer/kill/send operations.
type Engine struct {
	cfg      Config
	registry *Registry
	gw       gateway.Caller
	store    SessionStore
	control  RunController

	// defaultModel is the global default model, the last fallback before
	// letting the gateway apply its own runtime default.
	defaultModel string

	// announce is the completion sink; registering it via OnAnnounce also
	// enables background run watching.
	announce func(Announcement)

	// watchPoll and watchRetry are the watcher's wait bound and error
	// backoff, adjustable in tests.
	watchPoll  time.Duration
	watchRetry time.Duration

	logger *slog.Logger
}

// NewEngine creates a spawn engine. control may be nil when no execution
// engine is wired (aborts then degrade to registry-only termination).
func NewEngine(cfg Config, registry *Registry, gw gateway.Caller, store SessionStore, control RunController, defaultModel string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:          cfg.Normalize(),
		registry:     registry,
		gw:           gw,
		store:        store,
		control:      control,
		defaultModel: defaultModel,
		watchPoll:    watchPollInterval,
		watchRetry:   watchRetryDelay,
		logger:       logger.With("component", "subagent-engine"),
	}
}

// Registry exposes the engine's registry (command surface, admin endpoints).
func (e *Engine) Registry() *Registry { return e.registry }

// Config returns the normalized engine configuration.
func (e *Engine) Config() Config { return e.cfg }

func forbidden(format string, args ...any) SpawnResult {
	return SpawnResult{Status: SpawnForbidden, Error: fmt.Sprintf(format, args...)}
}

// agentAllowed checks the requester agent's spawn allowlist for target.
// Spawning your own agent is always allowed; "*" allows any agent.
func (e *Engine) agentAllowed(requesterAgent, targetAgent string) bool {
	if requesterAgent == targetAgent {
		return true
	}
	for _, allowed := range e.cfg.AgentOverridesFor(requesterAgent).AllowAgents {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if allowed == "*" || allowed == targetAgent {
			return true
		}
	}
	return false
}

// resolveModel picks the child model: explicit override, target agent's
// subagent default, global subagent default, global default model. Empty
// means no patch; the gateway's runtime default applies.
func (e *Engine) resolveModel(req SpawnRequest, targetAgent string) string {
	for _, candidate := range []string{
		req.Model,
		e.cfg.AgentOverridesFor(targetAgent).Model,
		e.cfg.Model,
		e.defaultModel,
	} {
		if candidate != "" {
			return candidate
		}
	}
	return ""
}

// resolveThinking picks the child thinking level by the same priority chain.
func (e *Engine) resolveThinking(req SpawnRequest, targetAgent string) string {
	for _, candidate := range []string{
		req.Thinking,
		e.cfg.AgentOverridesFor(targetAgent).ThinkingLevel,
		e.cfg.ThinkingLevel,
	} {
		if candidate != "" {
			return strings.ToLower(strings.TrimSpace(candidate))
		}
	}
	return ""
}

// modelPatchRecoverable matches the gateway rejections that mean "this model
// is not usable here"; the spawn continues with the session default instead
// of failing outright.
func modelPatchRecoverable(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "invalid model") || strings.Contains(msg, "model not allowed")
}

// Spawn validates the request, creates the child session via the gateway,
// launches its first run, and registers the run. Admission rejections and
// thinking-level validation happen before any RPC.
func (e *Engine) Spawn(ctx context.Context, req SpawnRequest, sc SpawnContext) SpawnResult {
	task := strings.TrimSpace(req.Task)
	if task == "" {
		return SpawnResult{Status: SpawnError, Error: "task is required"}
	}

	requesterKey := sessions.NormalizeKey(sc.RequesterSessionKey)
	requesterAgent := strings.ToLower(sc.RequesterAgentID)
	if requesterAgent == "" {
		requesterAgent = sessions.AgentIDFromKey(requesterKey)
	}
	targetAgent := strings.ToLower(strings.TrimSpace(req.AgentID))
	if targetAgent == "" {
		targetAgent = requesterAgent
	}
	if targetAgent == "" {
		return SpawnResult{Status: SpawnError, Error: "could not resolve target agent id"}
	}

	// ── Admission (no side effects past this block) ──
	depth := DepthFromStore(e.store, requesterKey)
	if maxDepth := e.cfg.MaxDepthFor(requesterAgent); depth >= maxDepth {
		return forbidden("spawn depth limit reached (depth %d, max %d)", depth, maxDepth)
	}
	if maxChildren := e.cfg.MaxChildrenFor(requesterAgent); e.registry.CountActive(requesterKey) >= maxChildren {
		return forbidden("max active subagents reached for this session (%d)", maxChildren)
	}
	if !e.agentAllowed(requesterAgent, targetAgent) {
		allowed := strings.Join(e.cfg.AgentOverridesFor(requesterAgent).AllowAgents, ", ")
		if allowed == "" {
			allowed = requesterAgent
		}
		return forbidden("agent %q is not allowed for spawn (allowed: %s)", targetAgent, allowed)
	}

	// Thinking validation is total: an invalid token, explicit or from a
	// default, fails before any session exists.
	thinking := e.resolveThinking(req, targetAgent)
	if thinking != "" && !ValidThinkingLevel(thinking) {
		return SpawnResult{
			Status: SpawnError,
			Error: fmt.Sprintf("invalid thinking level %q (valid: %s)",
				thinking, strings.Join(ThinkingLevels, ", ")),
		}
	}

	model := e.resolveModel(req, targetAgent)
	childKey := sessions.SubagentKey(targetAgent, uuid.New().String())
	childDepth := depth + 1
	cleanup := req.Cleanup
	if cleanup == "" {
		cleanup = CleanupKeep
	}

	e.logger.Info("spawning subagent",
		"requester", requesterKey,
		"child", childKey,
		"agent", targetAgent,
		"depth", childDepth,
		"task_preview", truncate(task, 80),
	)

	// ── Side effects: each RPC can fail independently. The child session
	// key is returned even on failure so partial state stays inspectable. ──
	if err := e.store.UpdateEntry(childKey, func(entry *sessions.Entry) {
		entry.SpawnedBy = requesterKey
		entry.SpawnDepth = childDepth
	}); err != nil {
		return SpawnResult{Status: SpawnError, Error: fmt.Sprintf("record spawn ancestry: %v", err), ChildSessionKey: childKey}
	}
	if err := gateway.PatchSpawnDepth(ctx, e.gw, childKey, childDepth); err != nil {
		return SpawnResult{Status: SpawnError, Error: err.Error(), ChildSessionKey: childKey}
	}

	warning := ""
	modelApplied := ""
	if model != "" {
		if err := gateway.PatchModel(ctx, e.gw, childKey, model); err != nil {
			if !modelPatchRecoverable(err) {
				return SpawnResult{Status: SpawnError, Error: err.Error(), ChildSessionKey: childKey}
			}
			warning = fmt.Sprintf("model %q not applied: %v", model, err)
			e.logger.Warn("subagent model patch rejected, continuing", "child", childKey, "model", model, "error", err)
		} else {
			modelApplied = model
		}
	}

	if thinking != "" {
		var level *string
		if thinking != "off" {
			level = &thinking
		}
		if err := gateway.PatchThinking(ctx, e.gw, childKey, level); err != nil {
			return SpawnResult{Status: SpawnError, Error: err.Error(), ChildSessionKey: childKey}
		}
	}

	acc, err := gateway.StartAgent(ctx, e.gw, gateway.AgentParams{
		Message:        task,
		SessionKey:     childKey,
		Channel:        sc.Origin.Channel,
		To:             sc.Origin.To,
		AccountID:      sc.Origin.AccountID,
		ThreadID:       sc.Origin.ThreadID,
		IdempotencyKey: uuid.New().String(),
		Deliver:        false,
		Lane:           LaneSubagent,
		ExtraSystem:    e.childPromptAddendum(requesterKey, targetAgent, childDepth),
		TimeoutSeconds: req.RunTimeoutSeconds,
		Label:          req.Label,
		SpawnedBy:      requesterKey,
	})
	if err != nil {
		return SpawnResult{Status: SpawnError, Error: err.Error(), ChildSessionKey: childKey}
	}
	runID := acc.RunID
	if runID == "" {
		runID = uuid.New().String()
	}

	// The record starts pending; the run watcher stamps StartedAt once the
	// gateway confirms the run is executing.
	rec := RunRecord{
		RunID:               runID,
		ChildSessionKey:     childKey,
		RequesterSessionKey: requesterKey,
		RequesterOrigin:     sc.Origin,
		RequesterDisplayKey: sc.DisplayKey,
		Task:                task,
		Label:               req.Label,
		Model:               modelApplied,
		ModelOverride:       req.Model,
		Cleanup:             cleanup,
		CreatedAt:           time.Now(),
		RunTimeoutSeconds:   req.RunTimeoutSeconds,
	}
	if err := e.registry.Register(rec); err != nil {
		return SpawnResult{Status: SpawnError, Error: err.Error(), ChildSessionKey: childKey, RunID: runID}
	}
	e.startWatch(runID)

	return SpawnResult{
		Status:          SpawnAccepted,
		ChildSessionKey: childKey,
		RunID:           runID,
		ModelApplied:    modelApplied,
		Warning:         warning,
	}
}

// childPromptAddendum is the system-prompt suffix giving the child awareness
// of its place in the spawn tree and its own limits.
func (e *Engine) childPromptAddendum(requesterKey, agentID string, depth int) string {
	maxDepth := e.cfg.MaxDepthFor(agentID)
	canSpawn := depth < maxDepth

	var b strings.Builder
	b.WriteString("# Subagent Context\n\n")
	b.WriteString("You are a subagent spawned by another agent session to handle one delegated task.\n")
	fmt.Fprintf(&b, "- Parent session: %s\n", requesterKey)
	fmt.Fprintf(&b, "- Your spawn depth: %d (max %d)\n", depth, maxDepth)
	if canSpawn {
		fmt.Fprintf(&b, "- You may spawn up to %d subagents of your own.\n", e.cfg.MaxChildrenFor(agentID))
	} else {
		b.WriteString("- You cannot spawn further subagents.\n")
	}
	b.WriteString("- Focus only on the assigned task and report a concise result when done.\n")
	b.WriteString("- Do not ask the user questions; you have all the context you need.\n")
	return b.String()
}
