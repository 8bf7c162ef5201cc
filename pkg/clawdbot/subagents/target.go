// target.go resolves the loose target tokens users type after /subagents
// commands ("last", a list index, a session key, a label or id prefix) into
// one run record. Pure function with a tagged result so the command surface
// renders every miss the same way.
package subagents

import (
	"fmt"
	"strconv"
	"strings"
)

// TargetResult is either a resolved record or a user-facing error message.
type TargetResult struct {
	Record RunRecord
	Err    string
}

func targetErr(format string, args ...any) TargetResult {
	return TargetResult{Err: fmt.Sprintf(format, args...)}
}

// ResolveTarget resolves token against runs. runs must be in list order
// (active newest-first, then recent ended newest-first): numeric targets
// are the 1-based indices of that exact ordering, matching what the list
// command displayed.
func ResolveTarget(runs []RunRecord, token string) TargetResult {
	token = strings.TrimSpace(token)
	if token == "" {
		return targetErr("no subagent target given")
	}
	if len(runs) == 0 {
		return targetErr("no subagent runs to match %q", token)
	}

	// "last": the most recently started run.
	if strings.EqualFold(token, "last") {
		best := runs[0]
		for _, rec := range runs[1:] {
			if rec.StartedAt.After(best.StartedAt) {
				best = rec
			}
		}
		return TargetResult{Record: best}
	}

	// Positive integer: 1-based index into the displayed ordering.
	if n, err := strconv.Atoi(token); err == nil {
		if n < 1 || n > len(runs) {
			return targetErr("index %d out of range (1–%d)", n, len(runs))
		}
		return TargetResult{Record: runs[n-1]}
	}

	// Session keys contain ":" and match exactly.
	if strings.Contains(token, ":") {
		for _, rec := range runs {
			if rec.ChildSessionKey == token {
				return TargetResult{Record: rec}
			}
		}
		return targetErr("no subagent with session key %q", token)
	}

	lower := strings.ToLower(token)

	// Exact label match.
	var exact []RunRecord
	for _, rec := range runs {
		if rec.Label != "" && strings.ToLower(rec.Label) == lower {
			exact = append(exact, rec)
		}
	}
	if len(exact) == 1 {
		return TargetResult{Record: exact[0]}
	}
	if len(exact) > 1 {
		return targetErr("label %q matches %d runs; use an index or run id", token, len(exact))
	}

	// Unique label prefix.
	var byLabel []RunRecord
	for _, rec := range runs {
		if rec.Label != "" && strings.HasPrefix(strings.ToLower(rec.Label), lower) {
			byLabel = append(byLabel, rec)
		}
	}
	if len(byLabel) == 1 {
		return TargetResult{Record: byLabel[0]}
	}
	if len(byLabel) > 1 {
		return targetErr("label prefix %q is ambiguous (%d matches)", token, len(byLabel))
	}

	// Unique run id prefix.
	var byID []RunRecord
	for _, rec := range runs {
		if strings.HasPrefix(rec.RunID, token) {
			byID = append(byID, rec)
		}
	}
	if len(byID) == 1 {
		return TargetResult{Record: byID[0]}
	}
	if len(byID) > 1 {
		return targetErr("run id prefix %q is ambiguous (%d matches)", token, len(byID))
	}

	return targetErr("no subagent matches %q (try an index from /subagents list, a label, or \"last\")", token)
}
