package subagents

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := OpenArchive(filepath.Join(t.TempDir(), "subagents.db"), testLogger())
	if err != nil {
		t.Fatalf("OpenArchive: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func endedRecord(runID, requester string, endedAt time.Time) RunRecord {
	return RunRecord{
		RunID:               runID,
		ChildSessionKey:     "agent:main:subagent:" + runID,
		RequesterSessionKey: requester,
		Task:                "task for " + runID,
		Label:               runID,
		Model:               "claude-opus",
		CreatedAt:           endedAt.Add(-time.Minute),
		StartedAt:           endedAt.Add(-time.Minute),
		EndedAt:             endedAt,
		Outcome:             &RunOutcome{Status: StatusOK},
		TokensUsed:          1234,
	}
}

func TestArchiveSaveAndLoad(t *testing.T) {
	t.Parallel()

	a := openTestArchive(t)
	now := time.Now()
	requester := "agent:main:whatsapp:123"

	if err := a.Save(endedRecord("run-1", requester, now)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := a.RecentForRequester(requester, now.Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("RecentForRequester: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d", len(got))
	}
	rec := got[0]
	if rec.RunID != "run-1" || rec.Task != "task for run-1" || rec.TokensUsed != 1234 {
		t.Errorf("record = %+v", rec)
	}
	if rec.Outcome == nil || rec.Outcome.Status != StatusOK {
		t.Errorf("outcome = %+v", rec.Outcome)
	}
}

func TestArchiveRejectsActiveRuns(t *testing.T) {
	t.Parallel()

	a := openTestArchive(t)
	if err := a.Save(RunRecord{RunID: "run-live", StartedAt: time.Now()}); err == nil {
		t.Error("Save accepted a non-ended run")
	}
}

func TestArchiveSaveIsUpsert(t *testing.T) {
	t.Parallel()

	a := openTestArchive(t)
	now := time.Now()
	requester := "agent:main:whatsapp:123"

	rec := endedRecord("run-1", requester, now)
	if err := a.Save(rec); err != nil {
		t.Fatal(err)
	}
	rec.TokensUsed = 9999
	if err := a.Save(rec); err != nil {
		t.Fatal(err)
	}

	got, err := a.RecentForRequester(requester, now.Add(-time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].TokensUsed != 9999 {
		t.Errorf("got = %+v", got)
	}
}

func TestArchiveOrderingAndFiltering(t *testing.T) {
	t.Parallel()

	a := openTestArchive(t)
	now := time.Now()
	requester := "agent:main:whatsapp:123"

	a.SaveAll([]RunRecord{
		endedRecord("run-old", requester, now.Add(-2*time.Hour)),
		endedRecord("run-mid", requester, now.Add(-30*time.Minute)),
		endedRecord("run-new", requester, now),
		endedRecord("run-other", "agent:other:main", now),
	})

	got, err := a.RecentForRequester(requester, now.Add(-time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d: %+v", len(got), got)
	}
	if got[0].RunID != "run-new" || got[1].RunID != "run-mid" {
		t.Errorf("order = %s, %s", got[0].RunID, got[1].RunID)
	}
}

func TestArchivePrune(t *testing.T) {
	t.Parallel()

	a := openTestArchive(t)
	now := time.Now()
	requester := "agent:main:whatsapp:123"

	a.SaveAll([]RunRecord{
		endedRecord("run-old", requester, now.Add(-48*time.Hour)),
		endedRecord("run-new", requester, now),
	})

	deleted, err := a.Prune(now.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	got, err := a.RecentForRequester(requester, now.Add(-72*time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].RunID != "run-new" {
		t.Errorf("remaining = %+v", got)
	}
}
