// steer.go is the interruption pipeline: redirecting an in-flight child run
// with a new instruction, and killing runs (single, all, or cascading down
// the spawn tree). Correctness of a steer rests on the registry bookkeeping
// (suppress flag, transactional swap), not on the best-effort settle wait:
// the abort signal and the wait are allowed to fail independently.
package subagents

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clawdbot/clawdbot/pkg/clawdbot/gateway"
	"github.com/clawdbot/clawdbot/pkg/clawdbot/sessions"
)

// ErrRunEnded is returned when steering or sending to a terminal run.
var ErrRunEnded = fmt.Errorf("subagent run already ended")

// sessionIDFor resolves the opaque execution id of a child session, used to
// address abort signals. Empty when the store has no entry yet.
func (e *Engine) sessionIDFor(sessionKey string) string {
	if e.store == nil {
		return ""
	}
	entry, ok := e.store.GetEntry(sessionKey)
	if !ok {
		return ""
	}
	return entry.SessionID
}

// interrupt sends the abort signal for a child session and drains its queued
// lane work. Fire-and-forget: the execution engine stops when it stops.
func (e *Engine) interrupt(sessionKey string) {
	sessionID := e.sessionIDFor(sessionKey)
	if e.control != nil {
		e.control.SignalAbort(sessionKey, sessionID)
		e.control.ClearQueued(sessionKey, sessionID)
	}
	if e.store != nil {
		if err := e.store.UpdateEntry(sessionKey, func(entry *sessions.Entry) {
			entry.AbortedLastRun = true
		}); err != nil {
			e.logger.Warn("failed to flag aborted run in session store", "session", sessionKey, "error", err)
		}
	}
}

// Steer aborts rec's in-flight run, drains its queue, relaunches the child
// session with message, and atomically swaps the registry record. On
// relaunch failure the suppression flag is rolled back so the original run's
// real completion is still announced.
func (e *Engine) Steer(ctx context.Context, rec RunRecord, message string) (RunRecord, error) {
	if rec.Ended() {
		return RunRecord{}, ErrRunEnded
	}

	// 1. Mark-for-restart: the old run's settlement must not be announced.
	e.registry.MarkSteerRestart(rec.RunID)

	// 2–3. Interrupt and drain.
	e.interrupt(rec.ChildSessionKey)

	// 4. Settle-wait, best-effort and bounded. Timeout or error here is not
	// fatal: steps 1–3 already decoupled the old run from the conversation.
	settle := time.Duration(e.cfg.SettleWaitSeconds) * time.Second
	if res, err := gateway.WaitAgent(ctx, e.gw, rec.RunID, settle); err != nil {
		e.logger.Debug("steer settle wait failed", "run_id", rec.RunID, "error", err)
	} else if res.Status != gateway.WaitOK {
		e.logger.Debug("steer settle wait not ok", "run_id", rec.RunID, "status", res.Status)
	}

	// 5. Relaunch with the steer message on the same child session.
	acc, err := gateway.StartAgent(ctx, e.gw, gateway.AgentParams{
		Message:        message,
		SessionKey:     rec.ChildSessionKey,
		SessionID:      e.sessionIDFor(rec.ChildSessionKey),
		IdempotencyKey: uuid.New().String(),
		Deliver:        false,
		Lane:           LaneSubagent,
		TimeoutSeconds: rec.RunTimeoutSeconds,
		Label:          rec.Label,
		SpawnedBy:      rec.RequesterSessionKey,
	})
	if err != nil {
		// 6 (failure): roll back the suppression so the child's eventual
		// real completion is not silently dropped.
		e.registry.ClearSteerRestart(rec.RunID)
		return RunRecord{}, fmt.Errorf("steer relaunch: %w", err)
	}
	nextRunID := acc.RunID
	if nextRunID == "" {
		nextRunID = uuid.New().String()
	}

	// 6. Transactional swap: exactly one live record per logical child.
	next := e.registry.ReplaceAfterSteer(rec.RunID, nextRunID, rec, rec.RunTimeoutSeconds)
	e.startWatch(next.RunID)
	return next, nil
}

// Kill stops one run and, recursively, any subagents the killed run itself
// spawned. Returns the number of runs stopped. Killing an ended run is a
// no-op (returns 0). The traversal visits each child session once and
// tolerates cycles, which the depth bound should already rule out.
func (e *Engine) Kill(rec RunRecord) int {
	if rec.Ended() {
		return 0
	}
	visited := map[string]bool{}
	return e.killTree(rec, visited)
}

func (e *Engine) killTree(rec RunRecord, visited map[string]bool) int {
	if visited[rec.RunID] {
		return 0
	}
	visited[rec.RunID] = true

	stopped := 0
	if !rec.Ended() {
		e.interrupt(rec.ChildSessionKey)
		e.registry.MarkTerminated(rec.RunID, StatusKilled, "")
		stopped = 1
	}

	// Descendants: runs whose requester is the session we just killed.
	if !visited[rec.ChildSessionKey] {
		visited[rec.ChildSessionKey] = true
		for _, child := range e.registry.ListForRequester(rec.ChildSessionKey) {
			if !child.Ended() {
				stopped += e.killTree(child, visited)
			}
		}
	}
	return stopped
}

// KillAll stops every active run spawned by requesterKey, cascading into
// each run's own descendants. Returns the number of runs stopped.
func (e *Engine) KillAll(requesterKey string) int {
	visited := map[string]bool{}
	stopped := 0
	for _, rec := range e.registry.ListForRequester(requesterKey) {
		if !rec.Ended() {
			stopped += e.killTree(rec, visited)
		}
	}
	return stopped
}

// SendOutcome distinguishes how a synchronous send resolved. A timed-out
// wait means the child is still working; callers must not conflate that
// with failure.
type SendOutcome struct {
	// Status is gateway.WaitOK, gateway.WaitTimeout, or gateway.WaitError.
	Status string

	// Reply is the child's last assistant message (WaitOK only).
	Reply string

	// Error carries the run error for WaitError.
	Error string
}

// Send posts a message into the child session on the subagent lane, waits
// (bounded) for the run to finish, and extracts the assistant's reply from
// the updated history.
func (e *Engine) Send(ctx context.Context, rec RunRecord, message string) (SendOutcome, error) {
	if rec.Ended() {
		return SendOutcome{}, ErrRunEnded
	}

	acc, err := gateway.StartAgent(ctx, e.gw, gateway.AgentParams{
		Message:        message,
		SessionKey:     rec.ChildSessionKey,
		SessionID:      e.sessionIDFor(rec.ChildSessionKey),
		IdempotencyKey: uuid.New().String(),
		Deliver:        false,
		Lane:           LaneSubagent,
		TimeoutSeconds: rec.RunTimeoutSeconds,
		Label:          rec.Label,
		SpawnedBy:      rec.RequesterSessionKey,
	})
	if err != nil {
		return SendOutcome{}, fmt.Errorf("send to subagent: %w", err)
	}

	wait := time.Duration(e.cfg.SendWaitSeconds) * time.Second
	res, err := gateway.WaitAgent(ctx, e.gw, acc.RunID, wait)
	if err != nil {
		return SendOutcome{}, fmt.Errorf("wait for subagent reply: %w", err)
	}
	if res.TokensUsed > 0 {
		// The reply run is throwaway; its usage accrues to the tracked run.
		e.registry.AddTokenUsage(rec.RunID, res.TokensUsed)
	}
	switch res.Status {
	case gateway.WaitTimeout:
		return SendOutcome{Status: gateway.WaitTimeout}, nil
	case gateway.WaitError:
		return SendOutcome{Status: gateway.WaitError, Error: res.Error}, nil
	}

	messages, err := gateway.ChatHistory(ctx, e.gw, rec.ChildSessionKey, 20)
	if err != nil {
		return SendOutcome{}, fmt.Errorf("fetch subagent reply: %w", err)
	}
	return SendOutcome{Status: gateway.WaitOK, Reply: lastAssistantText(messages)}, nil
}

// lastAssistantText returns the content of the newest assistant message.
func lastAssistantText(messages []gateway.ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" && messages[i].Content != "" {
			return messages[i].Content
		}
	}
	return ""
}
