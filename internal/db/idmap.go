package db

import (
	"database/sql"

	"github.com/orchardlog/fieldsync/internal/models"
)

// RecordMapping remembers the server id assigned to a temporary id. The
// first mapping for a temp id wins; temp ids are never reissued.
func (db *DB) RecordMapping(tempID, serverID string) error {
	err := db.withWriteLock(func() error {
		_, err := db.conn.Exec(`INSERT OR IGNORE INTO id_map (temp_id, server_id, created_at) VALUES (?, ?, ?)`,
			tempID, serverID, formatTime(db.now()))
		return err
	})
	return storageErr("record mapping", err)
}

// ResolveID returns the server id for tempID, if one has been recorded.
func (db *DB) ResolveID(tempID string) (string, bool, error) {
	var serverID string
	err := db.conn.QueryRow(`SELECT server_id FROM id_map WHERE temp_id = ?`, tempID).Scan(&serverID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, storageErr("resolve id", err)
	}
	return serverID, true, nil
}

// IDMappings returns every recorded mapping, oldest first.
func (db *DB) IDMappings() ([]models.IDMapping, error) {
	rows, err := db.conn.Query(`SELECT temp_id, server_id, created_at FROM id_map ORDER BY created_at, temp_id`)
	if err != nil {
		return nil, storageErr("id mappings", err)
	}
	defer rows.Close()

	var out []models.IDMapping
	for rows.Next() {
		var m models.IDMapping
		var ts string
		if err := rows.Scan(&m.TempID, &m.ServerID, &ts); err != nil {
			return nil, storageErr("id mappings", err)
		}
		if m.CreatedAt, err = parseTimestamp(ts); err != nil {
			return nil, storageErr("id mappings", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("id mappings", err)
	}
	return out, nil
}
