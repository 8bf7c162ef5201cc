// announce.go consumes run settlements reported by the gateway and decides
// whether the requester's chat gets a completion announcement. A run that
// was steer-replaced settles silently; everything else is marked terminated
// and announced exactly once.
package subagents

import (
	"fmt"

	"github.com/clawdbot/clawdbot/pkg/clawdbot/gateway"
)

// Announcement is a completion notice ready for delivery to the requester's
// chat via its recorded origin.
type Announcement struct {
	Text                string
	RequesterSessionKey string
	Origin              Origin
	DisplayKey          string
}

// HandleRunSettled records a run's terminal status and returns the
// announcement to deliver, if any. Returns false for unknown runs, runs that
// already settled (kills, earlier settlements), and steer-suppressed runs.
func (e *Engine) HandleRunSettled(runID, status, errMsg string) (Announcement, bool) {
	rec, ok := e.registry.Get(runID)
	if !ok || rec.Ended() {
		return Announcement{}, false
	}

	outcome := StatusOK
	switch status {
	case gateway.WaitTimeout:
		outcome = StatusTimeout
	case gateway.WaitError:
		outcome = StatusError
	}
	e.registry.MarkTerminated(runID, outcome, errMsg)
	e.finishCleanup(rec)

	if rec.SteerPending {
		// The run was replaced mid-flight; its settlement is stale.
		e.registry.ClearSteerRestart(runID)
		e.logger.Debug("suppressed stale completion announce", "run_id", runID)
		return Announcement{}, false
	}

	var text string
	switch outcome {
	case StatusTimeout:
		text = fmt.Sprintf("Subagent %q timed out.", rec.DisplayLabel())
	case StatusError:
		text = fmt.Sprintf("Subagent %q failed: %s", rec.DisplayLabel(), errMsg)
	default:
		text = fmt.Sprintf("Subagent %q finished.", rec.DisplayLabel())
	}
	return Announcement{
		Text:                text,
		RequesterSessionKey: rec.RequesterSessionKey,
		Origin:              rec.RequesterOrigin,
		DisplayKey:          rec.RequesterDisplayKey,
	}, true
}

// finishCleanup applies the run's cleanup mode after termination. "delete"
// drops the child's session store entry; "keep" leaves it for inspection.
func (e *Engine) finishCleanup(rec RunRecord) {
	if rec.Cleanup != CleanupDelete || rec.CleanupHandled || e.store == nil {
		return
	}
	if deleter, ok := e.store.(interface{ DeleteEntry(string) error }); ok {
		if err := deleter.DeleteEntry(rec.ChildSessionKey); err != nil {
			e.logger.Warn("subagent session cleanup failed", "session", rec.ChildSessionKey, "error", err)
			return
		}
	}
	e.registry.SetCleanupHandled(rec.RunID)
}
