// archive.go persists ended run records to SQLite before the registry
// evicts them, so "recent subagents" survives the retention sweep and, for
// ended runs, a process restart. Active runs are never archived; a restart
// legitimately loses them (the gateway owns live run state).
package subagents

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Archive is the SQLite store of ended subagent runs.
type Archive struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenArchive opens (creating if needed) the archive database at path.
func OpenArchive(path string, logger *slog.Logger) (*Archive, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open subagent archive: %w", err)
	}
	a := &Archive{db: db, logger: logger.With("component", "subagent-archive")}
	if err := a.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) migrate() error {
	_, err := a.db.Exec(`
		CREATE TABLE IF NOT EXISTS subagent_runs (
			run_id         TEXT PRIMARY KEY,
			child_session  TEXT NOT NULL,
			requester      TEXT NOT NULL,
			task           TEXT NOT NULL,
			label          TEXT,
			model          TEXT,
			status         TEXT NOT NULL,
			error          TEXT,
			tokens_used    INTEGER NOT NULL DEFAULT 0,
			created_at     TEXT NOT NULL,
			started_at     TEXT,
			ended_at       TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_subagent_runs_requester
			ON subagent_runs(requester, ended_at);`)
	if err != nil {
		return fmt.Errorf("migrate subagent archive: %w", err)
	}
	return nil
}

// Close closes the database.
func (a *Archive) Close() error { return a.db.Close() }

// Save upserts an ended run. Non-terminal records are rejected.
func (a *Archive) Save(rec RunRecord) error {
	if !rec.Ended() {
		return fmt.Errorf("refusing to archive non-ended run %s", rec.RunID)
	}
	status, errMsg := "ended", ""
	if rec.Outcome != nil {
		status = rec.Outcome.Status
		errMsg = rec.Outcome.Error
	}
	startedAt := ""
	if !rec.StartedAt.IsZero() {
		startedAt = rec.StartedAt.UTC().Format(time.RFC3339)
	}
	_, err := a.db.Exec(`
		INSERT OR REPLACE INTO subagent_runs
			(run_id, child_session, requester, task, label, model, status, error, tokens_used, created_at, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.ChildSessionKey, rec.RequesterSessionKey,
		rec.Task, rec.Label, rec.Model, status, errMsg, rec.TokensUsed,
		rec.CreatedAt.UTC().Format(time.RFC3339), startedAt,
		rec.EndedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("archive run %s: %w", rec.RunID, err)
	}
	return nil
}

// SaveAll archives a batch, logging per-record failures instead of stopping.
func (a *Archive) SaveAll(recs []RunRecord) {
	for _, rec := range recs {
		if err := a.Save(rec); err != nil {
			a.logger.Warn("failed to archive subagent run", "run_id", rec.RunID, "error", err)
		}
	}
}

// RecentForRequester loads archived runs for a requester that ended after
// cutoff, newest-first.
func (a *Archive) RecentForRequester(requesterKey string, cutoff time.Time, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.Query(`
		SELECT run_id, child_session, requester, task, label, model, status, error, tokens_used, created_at, started_at, ended_at
		FROM subagent_runs
		WHERE requester = ? AND ended_at > ?
		ORDER BY ended_at DESC
		LIMIT ?`,
		requesterKey, cutoff.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, fmt.Errorf("query subagent archive: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var rec RunRecord
		var status, errMsg, createdAt, startedAt, endedAt string
		if err := rows.Scan(&rec.RunID, &rec.ChildSessionKey, &rec.RequesterSessionKey,
			&rec.Task, &rec.Label, &rec.Model, &status, &errMsg, &rec.TokensUsed,
			&createdAt, &startedAt, &endedAt); err != nil {
			a.logger.Warn("skipping unreadable archived run", "error", err)
			continue
		}
		rec.Outcome = &RunOutcome{Status: status, Error: errMsg}
		rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		if startedAt != "" {
			rec.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
		}
		rec.EndedAt, _ = time.Parse(time.RFC3339, endedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune deletes archived runs that ended before cutoff. Returns the number
// of rows removed.
func (a *Archive) Prune(cutoff time.Time) (int, error) {
	result, err := a.db.Exec(`DELETE FROM subagent_runs WHERE ended_at < ?`,
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("prune subagent archive: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected > 0 {
		a.logger.Info("pruned archived subagent runs", "deleted", affected)
	}
	return int(affected), nil
}
