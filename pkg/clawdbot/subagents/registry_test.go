package subagents

import (
	"fmt"
	"testing"
	"time"

	"github.com/clawdbot/clawdbot/pkg/clawdbot/sessions"
)

func TestRegistryRegisterRejectsDuplicates(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(time.Minute, testLogger())
	rec := RunRecord{RunID: "run-1", RequesterSessionKey: "agent:main:main"}

	if err := reg.Register(rec); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := reg.Register(rec); err == nil {
		t.Error("duplicate Register accepted")
	}
	if err := reg.Register(RunRecord{}); err == nil {
		t.Error("Register accepted an empty run id")
	}
}

func TestRegistryMarkTerminatedIdempotent(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(time.Minute, testLogger())
	if err := reg.Register(RunRecord{RunID: "run-1"}); err != nil {
		t.Fatal(err)
	}

	reg.MarkTerminated("run-1", StatusKilled, "")
	first, _ := reg.Get("run-1")

	// Second termination keeps the first outcome and end time.
	reg.MarkTerminated("run-1", StatusError, "late settlement")
	second, _ := reg.Get("run-1")

	if second.Outcome.Status != StatusKilled {
		t.Errorf("outcome changed on second termination: %q", second.Outcome.Status)
	}
	if !second.EndedAt.Equal(first.EndedAt) {
		t.Error("EndedAt changed on second termination")
	}

	// Unknown run ids are a no-op.
	reg.MarkTerminated("run-unknown", StatusKilled, "")
}

func TestRegistryListForRequesterOrdering(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(time.Hour, testLogger())
	requester := "agent:main:main"
	now := time.Now()

	mustRegister := func(rec RunRecord) {
		t.Helper()
		if err := reg.Register(rec); err != nil {
			t.Fatal(err)
		}
	}

	mustRegister(RunRecord{RunID: "old-active", RequesterSessionKey: requester, StartedAt: now.Add(-10 * time.Minute)})
	mustRegister(RunRecord{RunID: "new-active", RequesterSessionKey: requester, StartedAt: now.Add(-1 * time.Minute)})
	mustRegister(RunRecord{RunID: "ended-1", RequesterSessionKey: requester, StartedAt: now.Add(-30 * time.Minute)})
	mustRegister(RunRecord{RunID: "other", RequesterSessionKey: "agent:other:main", StartedAt: now})
	reg.MarkTerminated("ended-1", StatusOK, "")

	got := reg.ListForRequester(requester)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3: %+v", len(got), got)
	}
	want := []string{"new-active", "old-active", "ended-1"}
	for i, id := range want {
		if got[i].RunID != id {
			t.Errorf("position %d = %q, want %q", i, got[i].RunID, id)
		}
	}

	if reg.CountActive(requester) != 2 {
		t.Errorf("CountActive = %d, want 2", reg.CountActive(requester))
	}
}

func TestRegistryRetentionHidesOldEndedRuns(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(time.Nanosecond, testLogger())
	requester := "agent:main:main"
	if err := reg.Register(RunRecord{RunID: "r", RequesterSessionKey: requester}); err != nil {
		t.Fatal(err)
	}
	reg.MarkTerminated("r", StatusOK, "")
	time.Sleep(5 * time.Millisecond)

	if got := reg.ListForRequester(requester); len(got) != 0 {
		t.Errorf("ended run still listed past retention: %+v", got)
	}
}

func TestRegistrySweep(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(time.Minute, testLogger())
	if err := reg.Register(RunRecord{RunID: "active"}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(RunRecord{RunID: "done"}); err != nil {
		t.Fatal(err)
	}
	reg.MarkTerminated("done", StatusOK, "")

	// Before the archival deadline nothing is evicted.
	if evicted := reg.Sweep(time.Now()); len(evicted) != 0 {
		t.Errorf("early sweep evicted %d", len(evicted))
	}

	evicted := reg.Sweep(time.Now().Add(2 * time.Minute))
	if len(evicted) != 1 || evicted[0].RunID != "done" {
		t.Fatalf("evicted = %+v", evicted)
	}
	if _, ok := reg.Get("done"); ok {
		t.Error("swept run still in registry")
	}
	if _, ok := reg.Get("active"); !ok {
		t.Error("active run was swept")
	}
}

func TestRegistryReplaceAfterSteer(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(time.Hour, testLogger())
	prev := RunRecord{
		RunID:               "run-prev",
		ChildSessionKey:     "agent:main:subagent:c1",
		RequesterSessionKey: "agent:main:main",
		Task:                "research",
		Label:               "res",
	}
	if err := reg.Register(prev); err != nil {
		t.Fatal(err)
	}
	reg.MarkSteerRestart("run-prev")

	next := reg.ReplaceAfterSteer("run-prev", "run-next", prev, 60)

	old, _ := reg.Get("run-prev")
	if !old.Ended() || old.Outcome.Status != StatusSteered {
		t.Errorf("previous run = %+v, want steered terminal", old)
	}
	if old.SteerPending {
		t.Error("previous run still steer-pending after swap")
	}

	got, ok := reg.Get("run-next")
	if !ok {
		t.Fatal("next run missing")
	}
	if got.ChildSessionKey != prev.ChildSessionKey || got.Task != prev.Task || got.Label != prev.Label {
		t.Errorf("next run did not inherit fields: %+v", got)
	}
	if got.RunTimeoutSeconds != 60 {
		t.Errorf("RunTimeoutSeconds = %d", got.RunTimeoutSeconds)
	}
	if got.Ended() || got.StartedAt.IsZero() {
		t.Errorf("next run not live: %+v", got)
	}
	if next.RunID != "run-next" {
		t.Errorf("returned record = %+v", next)
	}
}

func TestRegistryReplaceAfterSteerWithMissingPrevious(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(time.Hour, testLogger())
	fallback := RunRecord{
		ChildSessionKey:     "agent:main:subagent:c1",
		RequesterSessionKey: "agent:main:main",
		Task:                "research",
	}
	next := reg.ReplaceAfterSteer("run-gone", "run-next", fallback, 0)
	if next.ChildSessionKey != fallback.ChildSessionKey {
		t.Errorf("fallback fields not used: %+v", next)
	}
	if _, ok := reg.Get("run-next"); !ok {
		t.Error("next run missing")
	}
}

func TestDepthFromStore(t *testing.T) {
	t.Parallel()

	t.Run("root", func(t *testing.T) {
		t.Parallel()
		store := newFakeStore()
		if d := DepthFromStore(store, "agent:main:main"); d != 0 {
			t.Errorf("depth = %d, want 0", d)
		}
	})

	t.Run("chain", func(t *testing.T) {
		t.Parallel()
		store := newFakeStore()
		store.seedChain("agent:main:main", "agent:main:subagent:a", "agent:main:subagent:b")
		if d := DepthFromStore(store, "agent:main:subagent:b"); d != 2 {
			t.Errorf("depth = %d, want 2", d)
		}
		if d := DepthFromStore(store, "agent:main:subagent:a"); d != 1 {
			t.Errorf("depth = %d, want 1", d)
		}
	})

	t.Run("cycle resolves to zero", func(t *testing.T) {
		t.Parallel()
		store := newFakeStore()
		_ = store.UpdateEntry("agent:main:subagent:a", func(e *sessions.Entry) {
			e.SpawnedBy = "agent:main:subagent:b"
		})
		_ = store.UpdateEntry("agent:main:subagent:b", func(e *sessions.Entry) {
			e.SpawnedBy = "agent:main:subagent:a"
		})
		if d := DepthFromStore(store, "agent:main:subagent:a"); d != 0 {
			t.Errorf("cyclic depth = %d, want 0", d)
		}
	})

	t.Run("overlong chain resolves to zero", func(t *testing.T) {
		t.Parallel()
		store := newFakeStore()
		keys := make([]string, maxDepthHops+4)
		for i := range keys {
			keys[i] = fmt.Sprintf("agent:main:subagent:hop-%d", i)
		}
		store.seedChain(keys...)
		if d := DepthFromStore(store, keys[len(keys)-1]); d != 0 {
			t.Errorf("overlong depth = %d, want 0", d)
		}
	})

	t.Run("nil store", func(t *testing.T) {
		t.Parallel()
		if d := DepthFromStore(nil, "agent:main:main"); d != 0 {
			t.Errorf("depth = %d, want 0", d)
		}
	})
}

func TestMarkStarted(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(time.Hour, testLogger())
	if err := reg.Register(RunRecord{RunID: "run-1", RequesterSessionKey: "agent:main:main"}); err != nil {
		t.Fatal(err)
	}

	reg.MarkStarted("run-1")
	first, _ := reg.Get("run-1")
	if first.StartedAt.IsZero() {
		t.Fatal("StartedAt not stamped")
	}

	// Idempotent: the first stamp wins.
	reg.MarkStarted("run-1")
	second, _ := reg.Get("run-1")
	if !second.StartedAt.Equal(first.StartedAt) {
		t.Error("StartedAt restamped")
	}

	// Ended runs are left alone.
	if err := reg.Register(RunRecord{RunID: "run-2", RequesterSessionKey: "agent:main:main"}); err != nil {
		t.Fatal(err)
	}
	reg.MarkTerminated("run-2", StatusKilled, "")
	reg.MarkStarted("run-2")
	if got, _ := reg.Get("run-2"); !got.StartedAt.IsZero() {
		t.Error("ended run stamped as started")
	}

	// Unknown ids are a no-op.
	reg.MarkStarted("no-such-run")
}
