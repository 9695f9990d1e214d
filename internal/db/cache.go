package db

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/orchardlog/fieldsync/internal/models"
)

// CachePut stores the latest successful response for key, replacing any
// earlier value.
func (db *DB) CachePut(key string, value json.RawMessage) error {
	if !json.Valid(value) {
		return fmt.Errorf("cache put %s: value is not valid JSON", key)
	}
	err := db.withWriteLock(func() error {
		_, err := db.conn.Exec(`
			INSERT INTO cache_entries (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, string(value), formatTime(db.now()))
		return err
	})
	return storageErr("cache put", err)
}

// CacheGet returns the cached entry for key, or nil when there is none.
func (db *DB) CacheGet(key string) (*models.CacheEntry, error) {
	var (
		entry     = models.CacheEntry{Key: key}
		value     string
		updatedAt string
	)
	err := db.conn.QueryRow(`SELECT value, updated_at FROM cache_entries WHERE key = ?`, key).
		Scan(&value, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("cache get", err)
	}
	entry.Value = json.RawMessage(value)
	if entry.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
		return nil, storageErr("cache get", err)
	}
	return &entry, nil
}

// CacheKeys lists every cached request signature in key order.
func (db *DB) CacheKeys() ([]string, error) {
	rows, err := db.conn.Query(`SELECT key FROM cache_entries ORDER BY key`)
	if err != nil {
		return nil, storageErr("cache keys", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, storageErr("cache keys", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("cache keys", err)
	}
	return keys, nil
}
