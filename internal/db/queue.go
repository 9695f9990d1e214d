package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/orchardlog/fieldsync/internal/models"
)

const queueColumns = `id, method, endpoint, payload, entity_ref, created_at, attempts, last_error, status`

// Enqueue durably appends a mutation to the outbox and returns its id. The id
// is also set on item. Status defaults to pending and CreatedAt to now.
func (db *DB) Enqueue(item *models.QueueItem) (int64, error) {
	if !item.Method.Valid() {
		return 0, fmt.Errorf("enqueue: unknown method %q", item.Method)
	}
	if strings.TrimSpace(item.Endpoint) == "" {
		return 0, fmt.Errorf("enqueue: empty endpoint")
	}
	if len(item.Payload) > 0 && !json.Valid(item.Payload) {
		return 0, fmt.Errorf("enqueue: payload is not valid JSON")
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = db.now()
	}
	if item.Status == "" {
		item.Status = models.StatusPending
	}

	var payload sql.NullString
	if len(item.Payload) > 0 {
		payload = sql.NullString{String: string(item.Payload), Valid: true}
	}
	lastErr, err := encodeItemError(item.LastError)
	if err != nil {
		return 0, err
	}

	var id int64
	err = db.withWriteLock(func() error {
		res, err := db.conn.Exec(`
			INSERT INTO queue_items (method, endpoint, payload, entity_ref, created_at, attempts, last_error, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			string(item.Method), item.Endpoint, payload, item.EntityRef,
			formatTime(item.CreatedAt), item.Attempts, lastErr, string(item.Status))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, storageErr("enqueue", err)
	}
	item.ID = id
	return id, nil
}

// PeekOrdered returns every queued item, oldest first, without changing
// anything.
func (db *DB) PeekOrdered() ([]models.QueueItem, error) {
	return db.queryItems("peek", `SELECT `+queueColumns+` FROM queue_items ORDER BY id ASC`)
}

// ListByStatus returns items in one state, oldest first.
func (db *DB) ListByStatus(status models.ItemStatus) ([]models.QueueItem, error) {
	return db.queryItems("list by status",
		`SELECT `+queueColumns+` FROM queue_items WHERE status = ? ORDER BY id ASC`, string(status))
}

// GetItem returns one item or ErrItemNotFound.
func (db *DB) GetItem(id int64) (*models.QueueItem, error) {
	row := db.conn.QueryRow(`SELECT `+queueColumns+` FROM queue_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, storageErr("get item", err)
	}
	return item, nil
}

// UpdateItem applies a patch to the delivery state of an item.
func (db *DB) UpdateItem(id int64, patch models.ItemPatch) error {
	var sets []string
	var args []any
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.Attempts != nil {
		sets = append(sets, "attempts = ?")
		args = append(args, *patch.Attempts)
	}
	switch {
	case patch.LastError != nil:
		enc, err := encodeItemError(patch.LastError)
		if err != nil {
			return err
		}
		sets = append(sets, "last_error = ?")
		args = append(args, enc)
	case patch.ClearError:
		sets = append(sets, "last_error = NULL")
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	var affected int64
	err := db.withWriteLock(func() error {
		res, err := db.conn.Exec(`UPDATE queue_items SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return storageErr("update item", err)
	}
	if affected == 0 {
		return ErrItemNotFound
	}
	return nil
}

// RemoveItem deletes an item after confirmed delivery.
func (db *DB) RemoveItem(id int64) error {
	var affected int64
	err := db.withWriteLock(func() error {
		res, err := db.conn.Exec(`DELETE FROM queue_items WHERE id = ?`, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return storageErr("remove item", err)
	}
	if affected == 0 {
		return ErrItemNotFound
	}
	return nil
}

// CountItems returns the number of queued items in any state.
func (db *DB) CountItems() (int, error) {
	var n int
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM queue_items`).Scan(&n); err != nil {
		return 0, storageErr("count items", err)
	}
	return n, nil
}

// CountByStatus returns item counts keyed by status. States with no items
// are absent from the map.
func (db *DB) CountByStatus() (map[models.ItemStatus]int, error) {
	rows, err := db.conn.Query(`SELECT status, COUNT(*) FROM queue_items GROUP BY status`)
	if err != nil {
		return nil, storageErr("count by status", err)
	}
	defer rows.Close()

	counts := make(map[models.ItemStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storageErr("count by status", err)
		}
		counts[models.ItemStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("count by status", err)
	}
	return counts, nil
}

// NormalizeInFlight returns items stuck in syncing (a run interrupted by a
// crash) to pending so the next run resends them.
func (db *DB) NormalizeInFlight() (int, error) {
	var n int64
	err := db.withWriteLock(func() error {
		res, err := db.conn.Exec(`UPDATE queue_items SET status = ? WHERE status = ?`,
			string(models.StatusPending), string(models.StatusSyncing))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, storageErr("normalize in-flight", err)
	}
	return int(n), nil
}

// RequeueDead gives a dead item a fresh start: pending, zero attempts, no
// error. Its position in the queue is unchanged.
func (db *DB) RequeueDead(id int64) error {
	return db.resolveDead("requeue dead", id, `
		UPDATE queue_items SET status = 'pending', attempts = 0, last_error = NULL
		WHERE id = ? AND status = 'dead'`)
}

// DiscardItem deletes a dead item. Live items cannot be discarded.
func (db *DB) DiscardItem(id int64) error {
	return db.resolveDead("discard item", id, `DELETE FROM queue_items WHERE id = ? AND status = 'dead'`)
}

func (db *DB) resolveDead(op string, id int64, stmt string) error {
	var affected int64
	var exists bool
	err := db.withWriteLock(func() error {
		res, err := db.conn.Exec(stmt, id)
		if err != nil {
			return err
		}
		if affected, err = res.RowsAffected(); err != nil || affected > 0 {
			return err
		}
		var n int
		if err := db.conn.QueryRow(`SELECT COUNT(*) FROM queue_items WHERE id = ?`, id).Scan(&n); err != nil {
			return err
		}
		exists = n > 0
		return nil
	})
	if err != nil {
		return storageErr(op, err)
	}
	if affected > 0 {
		return nil
	}
	if exists {
		return ErrNotDead
	}
	return ErrItemNotFound
}

func (db *DB) queryItems(op, query string, args ...any) ([]models.QueueItem, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	var items []models.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, storageErr(op, err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(s rowScanner) (*models.QueueItem, error) {
	var (
		item      models.QueueItem
		method    string
		status    string
		payload   sql.NullString
		lastError sql.NullString
		createdAt string
	)
	if err := s.Scan(&item.ID, &method, &item.Endpoint, &payload, &item.EntityRef,
		&createdAt, &item.Attempts, &lastError, &status); err != nil {
		return nil, err
	}
	item.Method = models.Method(method)
	item.Status = models.ItemStatus(status)
	if payload.Valid {
		item.Payload = json.RawMessage(payload.String)
	}
	ts, err := parseTimestamp(createdAt)
	if err != nil {
		return nil, fmt.Errorf("item %d created_at: %w", item.ID, err)
	}
	item.CreatedAt = ts
	if lastError.Valid && lastError.String != "" {
		var ie models.ItemError
		if err := json.Unmarshal([]byte(lastError.String), &ie); err != nil {
			ie = models.ItemError{Kind: models.ErrorTransient, Message: lastError.String}
		}
		item.LastError = &ie
	}
	return &item, nil
}

func encodeItemError(ie *models.ItemError) (sql.NullString, error) {
	if ie == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(ie)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode last error: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// IsNotFound reports whether err means the item does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrItemNotFound)
}
