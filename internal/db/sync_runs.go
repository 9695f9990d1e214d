package db

import (
	"database/sql"

	"github.com/orchardlog/fieldsync/internal/models"
)

// StartRun inserts an open history row for a sync run and returns its id.
func (db *DB) StartRun(trigger models.Trigger) (int64, error) {
	var id int64
	err := db.withWriteLock(func() error {
		res, err := db.conn.Exec(`INSERT INTO sync_runs (trigger_kind, started_at) VALUES (?, ?)`,
			string(trigger), formatTime(db.now()))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, storageErr("start run", err)
	}
	return id, nil
}

// FinishRun closes the history row for run.ID with its outcome.
func (db *DB) FinishRun(run models.SyncRun) error {
	finished := db.now()
	if run.FinishedAt != nil {
		finished = *run.FinishedAt
	}
	err := db.withWriteLock(func() error {
		_, err := db.conn.Exec(`
			UPDATE sync_runs
			SET finished_at = ?, success_count = ?, fail_count = ?, dead_count = ?, stopped = ?, error = ?
			WHERE id = ?`,
			formatTime(finished), run.SuccessCount, run.FailCount, run.DeadCount, run.Stopped, run.Error, run.ID)
		return err
	})
	return storageErr("finish run", err)
}

// RecentRuns returns the last limit runs in chronological order (oldest first).
func (db *DB) RecentRuns(limit int) ([]models.SyncRun, error) {
	rows, err := db.conn.Query(`
		SELECT id, trigger_kind, started_at, finished_at, success_count, fail_count, dead_count, stopped, error
		FROM sync_runs
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr("recent runs", err)
	}
	defer rows.Close()

	var runs []models.SyncRun
	for rows.Next() {
		var (
			r        models.SyncRun
			trigger  string
			started  string
			finished sql.NullString
		)
		if err := rows.Scan(&r.ID, &trigger, &started, &finished,
			&r.SuccessCount, &r.FailCount, &r.DeadCount, &r.Stopped, &r.Error); err != nil {
			return nil, storageErr("recent runs", err)
		}
		r.Trigger = models.Trigger(trigger)
		if r.StartedAt, err = parseTimestamp(started); err != nil {
			return nil, storageErr("recent runs", err)
		}
		if finished.Valid {
			t, err := parseTimestamp(finished.String)
			if err != nil {
				return nil, storageErr("recent runs", err)
			}
			r.FinishedAt = &t
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("recent runs", err)
	}

	// Reverse to chronological order
	for i, j := 0, len(runs)-1; i < j; i, j = i+1, j-1 {
		runs[i], runs[j] = runs[j], runs[i]
	}
	return runs, nil
}

// LastRun returns the most recent run, or nil before the first one.
func (db *DB) LastRun() (*models.SyncRun, error) {
	runs, err := db.RecentRuns(1)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}
