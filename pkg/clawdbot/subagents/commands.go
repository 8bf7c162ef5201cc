// commands.go is the chat command surface for subagent control:
//
//	/subagents [list|info|log|send|steer|kill|spawn|help] ...
//	/kill <target|all>          - shorthand for /subagents kill
//	/steer <target> <message>   - shorthand for /subagents steer
//	/tell <target> <message>    - shorthand for /subagents send
//
// Directives from unauthorized senders are dropped silently, with no reply
// and no side effects, so the bot's presence never leaks. Every failure path
// produces a one-line textual reply; nothing here panics into the outer
// message dispatcher.
package subagents

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/clawdbot/clawdbot/pkg/clawdbot/gateway"
	"github.com/clawdbot/clawdbot/pkg/clawdbot/sessions"
)

// Log fetch bounds.
const (
	defaultLogLimit = 20
	maxLogLimit     = 200
)

// archivedListLimit caps how many archived runs the recent section pulls in.
const archivedListLimit = 20

// Operations is the engine surface the command layer drives. Kept as an
// interface so command handling is testable against a mock engine.
type Operations interface {
	Spawn(ctx context.Context, req SpawnRequest, sc SpawnContext) SpawnResult
	Steer(ctx context.Context, rec RunRecord, message string) (RunRecord, error)
	Send(ctx context.Context, rec RunRecord, message string) (SendOutcome, error)
	Kill(rec RunRecord) int
	KillAll(requesterKey string) int
}

// RecentRunSource supplies ended runs that have already been evicted from
// the registry (the archive). Nil disables the merge.
type RecentRunSource interface {
	RecentForRequester(requesterKey string, cutoff time.Time, limit int) ([]RunRecord, error)
}

// CommandParams describes one inbound directive and its sender context.
type CommandParams struct {
	// SessionKey is the requester's session.
	SessionKey string

	// AgentID is the requester's agent id; derived from SessionKey if empty.
	AgentID string

	// Text is the raw message text.
	Text string

	// IsAuthorizedSender gates the whole surface.
	IsAuthorizedSender bool

	// DisplayKey and Origin route replies/announcements.
	DisplayKey string
	Origin     Origin
}

// CommandReply is the dispatcher-facing result. ShouldContinue=false stops
// the message from reaching the agent pipeline; an empty Reply sends nothing.
type CommandReply struct {
	ShouldContinue bool
	Reply          string
}

// Handler interprets subagent directives against the registry and engine.
type Handler struct {
	ops      Operations
	registry *Registry
	gw       gateway.Caller
	store    SessionStore
	recent   RecentRunSource
	logger   *slog.Logger
}

// NewHandler builds the command handler around a live engine. recent may be
// nil when no archive is configured.
func NewHandler(engine *Engine, recent RecentRunSource, logger *slog.Logger) *Handler {
	return NewHandlerWith(engine, engine.Registry(), engine.gw, engine.store, recent, logger)
}

// NewHandlerWith wires an explicit set of collaborators (tests inject mocks).
func NewHandlerWith(ops Operations, registry *Registry, gw gateway.Caller, store SessionStore, recent RecentRunSource, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		ops:      ops,
		registry: registry,
		gw:       gw,
		store:    store,
		recent:   recent,
		logger:   logger.With("component", "subagent-commands"),
	}
}

func handled(reply string) *CommandReply {
	return &CommandReply{ShouldContinue: false, Reply: reply}
}

// Handle processes one message. Returns nil when the message is not a
// subagent directive at all (the dispatcher continues normally).
func (h *Handler) Handle(ctx context.Context, params CommandParams, allowTextCommands bool) *CommandReply {
	if !allowTextCommands {
		return nil
	}
	text := strings.TrimSpace(params.Text)
	if text == "" {
		return nil
	}

	action, rest, ok := parseDirective(text)
	if !ok {
		// A bare multilingual stop phrase kills everything this session
		// spawned, but only when there is something to kill; otherwise the
		// message is left for the normal pipeline.
		if IsKillTrigger(text) && h.registry.CountActive(params.SessionKey) > 0 {
			action, rest = "kill", []string{"all"}
		} else {
			return nil
		}
	}

	// Silent drop for unauthorized senders, by design.
	if !params.IsAuthorizedSender {
		return &CommandReply{ShouldContinue: false}
	}

	requesterKey := sessions.NormalizeKey(params.SessionKey)
	runs := h.runsFor(requesterKey)

	switch action {
	case "list":
		return handled(h.renderList(runs))
	case "help", "":
		return handled(helpText())
	case "info":
		if len(rest) == 0 {
			return handled("Usage: /subagents info <target>")
		}
		return h.infoAction(runs, rest[0])
	case "log":
		if len(rest) == 0 {
			return handled("Usage: /subagents log <target> [limit] [tools]")
		}
		return h.logAction(ctx, runs, rest)
	case "kill":
		if len(rest) == 0 {
			return handled("Usage: /subagents kill <target|all>")
		}
		return h.killAction(requesterKey, runs, rest[0])
	case "send":
		if len(rest) < 2 {
			return handled("Usage: /tell <target> <message>")
		}
		return h.sendAction(ctx, runs, rest[0], strings.Join(rest[1:], " "))
	case "steer":
		if len(rest) < 2 {
			return handled("Usage: /steer <target> <message>")
		}
		return h.steerAction(ctx, runs, rest[0], strings.Join(rest[1:], " "))
	case "spawn":
		return h.spawnAction(ctx, params, rest)
	default:
		return handled(fmt.Sprintf("Unknown subagents action %q. %s", action, helpText()))
	}
}

// runsFor is the list/target view of a requester's runs: registry order
// (active, then recent ended), with archived runs still inside the retention
// window merged into the recent section. Every action resolves targets
// against this same slice, so list indices stay valid for follow-ups even
// when a run has already been swept out of the registry.
func (h *Handler) runsFor(requesterKey string) []RunRecord {
	runs := h.registry.ListForRequester(requesterKey)
	if h.recent == nil {
		return runs
	}
	cutoff := time.Now().Add(-h.registry.Retention())
	archived, err := h.recent.RecentForRequester(requesterKey, cutoff, archivedListLimit)
	if err != nil {
		h.logger.Warn("could not read archived subagent runs", "error", err)
		return runs
	}
	if len(archived) == 0 {
		return runs
	}

	seen := make(map[string]bool, len(runs))
	for _, rec := range runs {
		seen[rec.RunID] = true
	}
	split := 0
	for split < len(runs) && !runs[split].Ended() {
		split++
	}
	ended := append([]RunRecord(nil), runs[split:]...)
	for _, rec := range archived {
		if !seen[rec.RunID] {
			ended = append(ended, rec)
		}
	}
	sort.Slice(ended, func(i, j int) bool { return ended[i].EndedAt.After(ended[j].EndedAt) })
	return append(runs[:split:split], ended...)
}

// parseDirective splits a message into a subagent action and its arguments.
// Returns ok=false when the message is not a subagent directive.
func parseDirective(text string) (action string, args []string, ok bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", nil, false
	}
	switch strings.ToLower(fields[0]) {
	case "/subagents":
		if len(fields) == 1 {
			return "list", nil, true
		}
		return strings.ToLower(fields[1]), fields[2:], true
	case "/kill":
		return "kill", fields[1:], true
	case "/steer":
		return "steer", fields[1:], true
	case "/tell":
		return "send", fields[1:], true
	}
	return "", nil, false
}

// ─── Actions ───

func (h *Handler) infoAction(runs []RunRecord, token string) *CommandReply {
	res := ResolveTarget(runs, token)
	if res.Err != "" {
		return handled(res.Err)
	}
	rec := res.Record

	sessionID, transcript := "", ""
	if h.store != nil {
		if entry, ok := h.store.GetEntry(rec.ChildSessionKey); ok {
			sessionID, transcript = entry.SessionID, entry.TranscriptPath
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Subagent %s\n", rec.DisplayLabel())
	fmt.Fprintf(&b, "  run id: %s\n", rec.RunID)
	fmt.Fprintf(&b, "  session: %s\n", rec.ChildSessionKey)
	fmt.Fprintf(&b, "  requester: %s\n", rec.RequesterSessionKey)
	fmt.Fprintf(&b, "  status: %s\n", runStatus(rec))
	fmt.Fprintf(&b, "  task: %s\n", rec.Task)
	if rec.Model != "" {
		fmt.Fprintf(&b, "  model: %s\n", rec.Model)
	}
	if rec.ModelOverride != "" && rec.ModelOverride != rec.Model {
		fmt.Fprintf(&b, "  model requested: %s\n", rec.ModelOverride)
	}
	fmt.Fprintf(&b, "  cleanup: %s\n", rec.Cleanup)
	fmt.Fprintf(&b, "  created: %s\n", rec.CreatedAt.Format(time.RFC3339))
	if !rec.StartedAt.IsZero() {
		fmt.Fprintf(&b, "  started: %s\n", rec.StartedAt.Format(time.RFC3339))
	}
	if rec.Ended() {
		fmt.Fprintf(&b, "  ended: %s\n", rec.EndedAt.Format(time.RFC3339))
	}
	if rec.RunTimeoutSeconds > 0 {
		fmt.Fprintf(&b, "  timeout: %ds\n", rec.RunTimeoutSeconds)
	}
	if rec.TokensUsed > 0 {
		fmt.Fprintf(&b, "  tokens: %d\n", rec.TokensUsed)
	}
	if sessionID != "" {
		fmt.Fprintf(&b, "  session id: %s\n", sessionID)
	}
	if transcript != "" {
		fmt.Fprintf(&b, "  transcript: %s\n", transcript)
	}
	return handled(strings.TrimRight(b.String(), "\n"))
}

func (h *Handler) logAction(ctx context.Context, runs []RunRecord, args []string) *CommandReply {
	res := ResolveTarget(runs, args[0])
	if res.Err != "" {
		return handled(res.Err)
	}
	rec := res.Record

	limit := defaultLogLimit
	includeTools := false
	for _, arg := range args[1:] {
		if strings.EqualFold(arg, "tools") {
			includeTools = true
			continue
		}
		if n, err := strconv.Atoi(arg); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxLogLimit {
		limit = maxLogLimit
	}

	messages, err := gateway.ChatHistory(ctx, h.gw, rec.ChildSessionKey, limit)
	if err != nil {
		return handled(fmt.Sprintf("Could not fetch log for %s: %v", rec.DisplayLabel(), err))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Log for %s (%d messages):\n", rec.DisplayLabel(), len(messages))
	shown := 0
	for _, msg := range messages {
		if !includeTools && msg.IsToolTraffic() {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, truncate(strings.ReplaceAll(msg.Content, "\n", " "), 200))
		shown++
	}
	if shown == 0 {
		return handled(fmt.Sprintf("No conversational messages for %s yet.", rec.DisplayLabel()))
	}
	return handled(strings.TrimRight(b.String(), "\n"))
}

func (h *Handler) killAction(requesterKey string, runs []RunRecord, token string) *CommandReply {
	if token == "all" || token == "*" {
		stopped := h.ops.KillAll(requesterKey)
		if stopped == 0 {
			return handled("No active subagents.")
		}
		return handled(fmt.Sprintf("Stopped %d subagent(s).", stopped))
	}

	res := ResolveTarget(runs, token)
	if res.Err != "" {
		return handled(res.Err)
	}
	rec := res.Record
	if rec.Ended() {
		return handled(fmt.Sprintf("Subagent %s already ended (%s).", rec.DisplayLabel(), runStatus(rec)))
	}
	stopped := h.ops.Kill(rec)
	if stopped > 1 {
		return handled(fmt.Sprintf("Stopped %s and %d of its subagents.", rec.DisplayLabel(), stopped-1))
	}
	return handled(fmt.Sprintf("Stopped %s.", rec.DisplayLabel()))
}

func (h *Handler) sendAction(ctx context.Context, runs []RunRecord, token, message string) *CommandReply {
	res := ResolveTarget(runs, token)
	if res.Err != "" {
		return handled(res.Err)
	}
	rec := res.Record
	if rec.Ended() {
		return handled(fmt.Sprintf("Subagent %s already ended; spawn a new one instead.", rec.DisplayLabel()))
	}

	outcome, err := h.ops.Send(ctx, rec, message)
	if err != nil {
		return handled(fmt.Sprintf("Send to %s failed: %v", rec.DisplayLabel(), err))
	}
	switch outcome.Status {
	case gateway.WaitTimeout:
		return handled(fmt.Sprintf("%s is still working on it; check back with /subagents log %s.", rec.DisplayLabel(), token))
	case gateway.WaitError:
		return handled(fmt.Sprintf("%s errored: %s", rec.DisplayLabel(), outcome.Error))
	}
	if outcome.Reply == "" {
		return handled(fmt.Sprintf("%s finished but sent no reply text.", rec.DisplayLabel()))
	}
	return handled(fmt.Sprintf("%s: %s", rec.DisplayLabel(), outcome.Reply))
}

func (h *Handler) steerAction(ctx context.Context, runs []RunRecord, token, message string) *CommandReply {
	res := ResolveTarget(runs, token)
	if res.Err != "" {
		return handled(res.Err)
	}
	rec := res.Record
	if rec.Ended() {
		return handled(fmt.Sprintf("Subagent %s already ended; nothing to steer.", rec.DisplayLabel()))
	}

	next, err := h.ops.Steer(ctx, rec, message)
	if err != nil {
		return handled(fmt.Sprintf("Steer of %s failed: %v", rec.DisplayLabel(), err))
	}
	return handled(fmt.Sprintf("Steering %s, new run %s.", rec.DisplayLabel(), shortID(next.RunID)))
}

func (h *Handler) spawnAction(ctx context.Context, params CommandParams, args []string) *CommandReply {
	if len(args) < 2 {
		return handled("Usage: /subagents spawn <agentId> <task...> [--model X] [--thinking Y]")
	}

	agentID := args[0]
	var taskWords []string
	model, thinking := "", ""
	for i := 1; i < len(args); i++ {
		switch strings.ToLower(args[i]) {
		case "--model":
			if i+1 < len(args) {
				model = args[i+1]
				i++
			}
		case "--thinking":
			if i+1 < len(args) {
				thinking = args[i+1]
				i++
			}
		default:
			taskWords = append(taskWords, args[i])
		}
	}
	task := strings.Join(taskWords, " ")

	result := h.ops.Spawn(ctx, SpawnRequest{
		Task:     task,
		AgentID:  agentID,
		Model:    model,
		Thinking: thinking,
	}, SpawnContext{
		RequesterSessionKey: params.SessionKey,
		RequesterAgentID:    params.AgentID,
		DisplayKey:          params.DisplayKey,
		Origin:              params.Origin,
	})

	if result.Status != SpawnAccepted {
		return handled(fmt.Sprintf("Spawn failed: %s", result.Error))
	}
	reply := fmt.Sprintf("Spawned subagent %s (session %s).", shortID(result.RunID), result.ChildSessionKey)
	if result.ModelApplied != "" {
		reply += fmt.Sprintf(" Model: %s.", result.ModelApplied)
	}
	if result.Warning != "" {
		reply += " Warning: " + result.Warning
	}
	return handled(reply)
}

// ─── Rendering ───

// renderList shows active runs then recently ended ones, with 1-based
// indices continuing across both sections. ResolveTarget sees the same
// ordering, so these indices are valid targets for follow-up commands.
func (h *Handler) renderList(runs []RunRecord) string {
	if len(runs) == 0 {
		return "No subagents. Spawn one with /subagents spawn <agentId> <task>."
	}

	var b strings.Builder
	idx := 0
	section := ""
	for _, rec := range runs {
		want := "Active:"
		if rec.Ended() {
			want = "Recent:"
		}
		if section != want {
			if section != "" {
				b.WriteString("\n")
			}
			b.WriteString(want + "\n")
			section = want
		}
		idx++
		fmt.Fprintf(&b, "%d. %s (%s) %s - %s\n",
			idx, rec.DisplayLabel(), runMeta(rec), runStatus(rec), truncate(rec.Task, 60))
	}
	return strings.TrimRight(b.String(), "\n")
}

// runMeta renders the parenthesized model/runtime/token block of a list line.
func runMeta(rec RunRecord) string {
	parts := []string{}
	if rec.Model != "" {
		parts = append(parts, rec.Model)
	}
	parts = append(parts, runDuration(rec).Round(time.Second).String())
	if rec.TokensUsed > 0 {
		parts = append(parts, fmt.Sprintf("%d tok", rec.TokensUsed))
	}
	return strings.Join(parts, ", ")
}

func runDuration(rec RunRecord) time.Duration {
	start := rec.StartedAt
	if start.IsZero() {
		start = rec.CreatedAt
	}
	if rec.Ended() {
		return rec.EndedAt.Sub(start)
	}
	return time.Since(start)
}

// runStatus is the single-word state shown in lists and info blocks.
func runStatus(rec RunRecord) string {
	if !rec.Ended() {
		if rec.StartedAt.IsZero() {
			return "pending"
		}
		return "running"
	}
	if rec.Outcome != nil && rec.Outcome.Status != "" {
		return rec.Outcome.Status
	}
	return "ended"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func helpText() string {
	return strings.Join([]string{
		"Subagent commands:",
		"/subagents list - active and recent runs",
		"/subagents spawn <agentId> <task> [--model X] [--thinking Y]",
		"/subagents info <target> - full run details",
		"/subagents log <target> [limit] [tools] - child transcript",
		"/kill <target|all> - stop run(s), cascading to their children",
		"/steer <target> <message> - redirect a running subagent",
		"/tell <target> <message> - send a message and wait for the reply",
		"Targets: list index, label, run id prefix, session key, or \"last\".",
	}, "\n")
}
