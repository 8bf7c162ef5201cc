// watch.go follows launched runs to settlement so the registry reflects
// reality without anyone polling by hand: fan-out slots free when children
// finish, completion announcements reach the requester, and token usage
// lands on the run record.
package subagents

import (
	"context"
	"fmt"
	"time"

	"github.com/clawdbot/clawdbot/pkg/clawdbot/gateway"
)

const (
	// watchPollInterval bounds each agent.wait round. A timeout result just
	// means the run is still in flight and the watcher polls again.
	watchPollInterval = 30 * time.Second

	// watchRetryDelay and watchMaxErrors bound retries on RPC failure
	// before a watched run is written off as lost.
	watchRetryDelay = 5 * time.Second
	watchMaxErrors  = 5
)

// OnAnnounce registers the completion-announcement sink and enables run
// watching: every accepted spawn and every steer relaunch is followed to
// settlement in a background goroutine. Register the sink before spawning.
// Without a sink, settlements must be fed in via HandleRunSettled by the
// embedding process.
func (e *Engine) OnAnnounce(fn func(Announcement)) {
	e.announce = fn
}

// startWatch begins following runID in the background. No-op until an
// announce sink is registered.
func (e *Engine) startWatch(runID string) {
	if e.announce == nil {
		return
	}
	// Background context: the watcher outlives the request that spawned it.
	go e.watchRun(context.Background(), runID)
}

// watchRun polls agent.wait until the run settles, its record ends some
// other way (kill, steer swap), or its run timeout passes. Terminal outcomes
// flow through HandleRunSettled so steer suppression and cleanup apply.
func (e *Engine) watchRun(ctx context.Context, runID string) {
	failures := 0
	for {
		rec, ok := e.registry.Get(runID)
		if !ok || rec.Ended() {
			return
		}

		poll := e.watchPoll
		if rec.RunTimeoutSeconds > 0 {
			remaining := time.Until(runDeadline(rec))
			if remaining <= 0 {
				e.settle(runID, gateway.WaitTimeout,
					fmt.Sprintf("no result within %ds", rec.RunTimeoutSeconds))
				return
			}
			if remaining < poll {
				poll = remaining
			}
		}

		res, err := gateway.WaitAgent(ctx, e.gw, runID, poll)
		if err != nil {
			failures++
			if failures >= watchMaxErrors {
				e.settle(runID, gateway.WaitError,
					fmt.Sprintf("lost contact with gateway: %v", err))
				return
			}
			e.logger.Warn("run watch poll failed", "run_id", runID, "attempt", failures, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.watchRetry):
			}
			continue
		}
		failures = 0

		// The gateway answered for this run, so it is executing.
		e.registry.MarkStarted(runID)
		if res.TokensUsed > 0 {
			e.registry.AddTokenUsage(runID, res.TokensUsed)
		}
		if res.Status == gateway.WaitTimeout {
			continue
		}
		e.settle(runID, res.Status, res.Error)
		return
	}
}

// runDeadline is the wall-clock point the run's timeout elapses at.
func runDeadline(rec RunRecord) time.Time {
	start := rec.StartedAt
	if start.IsZero() {
		start = rec.CreatedAt
	}
	return start.Add(time.Duration(rec.RunTimeoutSeconds) * time.Second)
}

// settle records a terminal outcome and delivers the announcement, if any.
func (e *Engine) settle(runID, status, errMsg string) {
	ann, ok := e.HandleRunSettled(runID, status, errMsg)
	if ok && e.announce != nil {
		e.announce(ann)
	}
}
