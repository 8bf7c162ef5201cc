// registry.go is the process-wide table of subagent runs, indexed by run id
// and queried by requester session key. It is the single source of truth for
// which runs exist; all mutations go through Registry methods under one lock,
// so no operation ever observes a half-applied transition (the steer swap in
// particular is one critical section).
package subagents

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/clawdbot/clawdbot/pkg/clawdbot/sessions"
)

// Run outcome statuses.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusKilled  = "killed"
	StatusTimeout = "timeout"
	StatusSteered = "steered"
)

// CleanupKeep and CleanupDelete control what happens to the child session
// once its run ends.
const (
	CleanupKeep   = "keep"
	CleanupDelete = "delete"
)

// maxDepthHops bounds the spawnedBy chain walk. The chain is normally
// MaxSpawnDepth deep; a corrupted or cyclic chain must not hang the walk.
const maxDepthHops = 32

// RunOutcome records how a run terminated.
type RunOutcome struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// RunRecord tracks one spawn attempt/execution of a child agent. Exactly one
// mutable record exists per run id; once EndedAt is set the record is
// terminal and only archival fields change.
type RunRecord struct {
	RunID               string `json:"runId"`
	ChildSessionKey     string `json:"childSessionKey"`
	RequesterSessionKey string `json:"requesterSessionKey"`

	// RequesterOrigin and RequesterDisplayKey carry the delivery context
	// needed to route completion announcements back to the right chat.
	RequesterOrigin     Origin `json:"requesterOrigin"`
	RequesterDisplayKey string `json:"requesterDisplayKey,omitempty"`

	Task  string `json:"task"`
	Label string `json:"label,omitempty"`

	Model            string `json:"model,omitempty"`
	ModelOverride    string `json:"modelOverride,omitempty"`
	ProviderOverride string `json:"providerOverride,omitempty"`

	Cleanup string `json:"cleanup,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	StartedAt time.Time `json:"startedAt,omitempty"`
	EndedAt   time.Time `json:"endedAt,omitempty"`

	// RunTimeoutSeconds is propagated to the gateway; 0 means no timeout.
	RunTimeoutSeconds int `json:"runTimeoutSeconds,omitempty"`

	Outcome *RunOutcome `json:"outcome,omitempty"`

	// TokensUsed is the approximate token usage the gateway reported.
	TokensUsed int `json:"tokensUsed,omitempty"`

	// SteerPending marks a run that is being replaced: its eventual
	// settlement must not be announced as a real completion.
	SteerPending bool `json:"steerPending,omitempty"`

	// ArchiveAt and CleanupHandled are soft-deletion bookkeeping.
	ArchiveAt      time.Time `json:"archiveAtMs,omitempty"`
	CleanupHandled bool      `json:"cleanupHandled,omitempty"`
}

// Origin identifies the chat/channel a spawn was requested from.
type Origin struct {
	Channel   string `json:"channel,omitempty"`
	To        string `json:"to,omitempty"`
	AccountID string `json:"accountId,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`
}

// Ended reports whether the record is terminal.
func (r RunRecord) Ended() bool { return !r.EndedAt.IsZero() }

// DisplayLabel returns the label, or a preview derived from the task.
func (r RunRecord) DisplayLabel() string {
	if r.Label != "" {
		return r.Label
	}
	return truncate(r.Task, 32)
}

// sortTime is the recency key for list ordering.
func (r RunRecord) sortTime() time.Time {
	if r.Ended() {
		return r.EndedAt
	}
	if !r.StartedAt.IsZero() {
		return r.StartedAt
	}
	return r.CreatedAt
}

// Registry is the in-memory run table. It owns its map exclusively; list
// operations return copies so callers can never mutate tracked state.
type Registry struct {
	retention time.Duration
	logger    *slog.Logger

	runs map[string]*RunRecord
	mu   sync.Mutex
}

// NewRegistry creates a registry with the given ended-run retention window.
func NewRegistry(retention time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if retention <= 0 {
		retention = time.Duration(DefaultConfig().RetentionMinutes) * time.Minute
	}
	return &Registry{
		retention: retention,
		logger:    logger.With("component", "subagent-registry"),
		runs:      make(map[string]*RunRecord),
	}
}

// Retention returns the ended-run retention window.
func (g *Registry) Retention() time.Duration { return g.retention }

// Register inserts a new run record. Run ids are unique; re-registering an
// existing id is an error.
func (g *Registry) Register(rec RunRecord) error {
	if rec.RunID == "" {
		return fmt.Errorf("run record has no runId")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.runs[rec.RunID]; exists {
		return fmt.Errorf("subagent run %q already registered", rec.RunID)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	g.runs[rec.RunID] = &rec
	return nil
}

// Get returns a copy of the record for runID.
func (g *Registry) Get(runID string) (RunRecord, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.runs[runID]
	if !ok {
		return RunRecord{}, false
	}
	return *rec, true
}

// CountActive returns the number of non-ended runs spawned by sessionKey.
func (g *Registry) CountActive(sessionKey string) int {
	key := sessions.NormalizeKey(sessionKey)
	g.mu.Lock()
	defer g.mu.Unlock()
	count := 0
	for _, rec := range g.runs {
		if rec.RequesterSessionKey == key && !rec.Ended() {
			count++
		}
	}
	return count
}

// ListForRequester returns all records for a requester: active runs first
// (newest-first), then runs ended within the retention window (newest-first).
// This ordering is exactly what the list command renders, so 1-based index
// targets resolve against it.
func (g *Registry) ListForRequester(sessionKey string) []RunRecord {
	key := sessions.NormalizeKey(sessionKey)
	cutoff := time.Now().Add(-g.retention)

	g.mu.Lock()
	var active, ended []RunRecord
	for _, rec := range g.runs {
		if rec.RequesterSessionKey != key {
			continue
		}
		if rec.Ended() {
			if rec.EndedAt.After(cutoff) {
				ended = append(ended, *rec)
			}
		} else {
			active = append(active, *rec)
		}
	}
	g.mu.Unlock()

	sort.Slice(active, func(i, j int) bool { return active[i].sortTime().After(active[j].sortTime()) })
	sort.Slice(ended, func(i, j int) bool { return ended[i].sortTime().After(ended[j].sortTime()) })
	return append(active, ended...)
}

// ListAll returns a copy of every tracked record (admin/debug surface).
func (g *Registry) ListAll() []RunRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]RunRecord, 0, len(g.runs))
	for _, rec := range g.runs {
		out = append(out, *rec)
	}
	return out
}

// MarkStarted stamps StartedAt on a pending run. Ended runs are left alone.
func (g *Registry) MarkStarted(runID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if rec, ok := g.runs[runID]; ok && !rec.Ended() && rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
}

// MarkTerminated sets the terminal state of a run. Idempotent: a run that
// already ended keeps its first outcome, and unknown run ids are a no-op.
func (g *Registry) MarkTerminated(runID, reason, errMsg string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.markTerminatedLocked(runID, reason, errMsg)
}

func (g *Registry) markTerminatedLocked(runID, reason, errMsg string) {
	rec, ok := g.runs[runID]
	if !ok || rec.Ended() {
		return
	}
	now := time.Now()
	rec.EndedAt = now
	rec.Outcome = &RunOutcome{Status: reason, Error: errMsg}
	rec.ArchiveAt = now.Add(g.retention)
	g.logger.Info("subagent run terminated",
		"run_id", runID,
		"reason", reason,
		"child", rec.ChildSessionKey,
	)
}

// MarkSteerRestart flags a run as about-to-be-replaced so its settlement is
// not announced. Safe to call on a run that no longer exists.
func (g *Registry) MarkSteerRestart(runID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if rec, ok := g.runs[runID]; ok {
		rec.SteerPending = true
	}
}

// ClearSteerRestart removes the replacement flag. Safe on missing runs.
func (g *Registry) ClearSteerRestart(runID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if rec, ok := g.runs[runID]; ok {
		rec.SteerPending = false
	}
}

// ReplaceAfterSteer atomically retires previousRunID and inserts a record
// under nextRunID inheriting requester/child/task/label fields. fallback
// supplies those fields when the previous record is already gone. The swap
// happens in one critical section: observers never see both records live,
// and never see neither.
func (g *Registry) ReplaceAfterSteer(previousRunID, nextRunID string, fallback RunRecord, runTimeoutSeconds int) RunRecord {
	g.mu.Lock()
	defer g.mu.Unlock()

	base := fallback
	if prev, ok := g.runs[previousRunID]; ok {
		base = *prev
		g.markTerminatedLocked(previousRunID, StatusSteered, "")
		prev.SteerPending = false
	}

	now := time.Now()
	next := &RunRecord{
		RunID:               nextRunID,
		ChildSessionKey:     base.ChildSessionKey,
		RequesterSessionKey: base.RequesterSessionKey,
		RequesterOrigin:     base.RequesterOrigin,
		RequesterDisplayKey: base.RequesterDisplayKey,
		Task:                base.Task,
		Label:               base.Label,
		Model:               base.Model,
		ModelOverride:       base.ModelOverride,
		ProviderOverride:    base.ProviderOverride,
		Cleanup:             base.Cleanup,
		CreatedAt:           now,
		StartedAt:           now,
		RunTimeoutSeconds:   runTimeoutSeconds,
	}
	g.runs[nextRunID] = next
	g.logger.Info("subagent run replaced after steer",
		"previous_run_id", previousRunID,
		"next_run_id", nextRunID,
		"child", next.ChildSessionKey,
	)
	return *next
}

// AddTokenUsage accumulates reported token usage on a run.
func (g *Registry) AddTokenUsage(runID string, tokens int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if rec, ok := g.runs[runID]; ok && tokens > 0 {
		rec.TokensUsed += tokens
	}
}

// SetCleanupHandled marks post-termination cleanup as done for a run.
func (g *Registry) SetCleanupHandled(runID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if rec, ok := g.runs[runID]; ok {
		rec.CleanupHandled = true
	}
}

// Sweep evicts ended records whose archival deadline passed, returning the
// evicted copies so the caller can archive them.
func (g *Registry) Sweep(now time.Time) []RunRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	var evicted []RunRecord
	for id, rec := range g.runs {
		if rec.Ended() && !rec.ArchiveAt.IsZero() && rec.ArchiveAt.Before(now) {
			evicted = append(evicted, *rec)
			delete(g.runs, id)
		}
	}
	if len(evicted) > 0 {
		g.logger.Debug("registry sweep", "evicted", len(evicted), "remaining", len(g.runs))
	}
	return evicted
}

// Reset clears the registry. Test-only.
func (g *Registry) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.runs = make(map[string]*RunRecord)
}

// SessionStore is the session-store collaborator surface the core consumes.
// Per-key read-modify-write is atomic; the core never assumes cross-key
// atomicity.
type SessionStore interface {
	GetEntry(key string) (sessions.Entry, bool)
	UpdateEntry(key string, mutate func(*sessions.Entry)) error
}

// DepthFromStore resolves a session's spawn depth by walking the spawnedBy
// chain in the session store. The walk is bounded: cyclic or otherwise
// malformed ancestry resolves to depth 0 instead of looping, which fails
// open toward "allowed to spawn" at the root rather than hanging admission.
func DepthFromStore(store SessionStore, sessionKey string) int {
	if store == nil {
		return 0
	}
	seen := map[string]bool{}
	key := sessions.NormalizeKey(sessionKey)
	depth := 0
	for hop := 0; hop < maxDepthHops; hop++ {
		if key == "" || seen[key] {
			return 0 // Cycle or dead end: treat ancestry as unresolvable.
		}
		seen[key] = true
		entry, ok := store.GetEntry(key)
		if !ok || entry.SpawnedBy == "" {
			return depth
		}
		depth++
		key = sessions.NormalizeKey(entry.SpawnedBy)
	}
	return 0 // Chain longer than any sane config allows: treat as corrupt.
}

// truncate shortens s to at most n runes, appending an ellipsis.
func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
