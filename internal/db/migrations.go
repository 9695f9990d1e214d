package db

import (
	"database/sql"
	"fmt"
)

// GetSchemaVersion returns the current schema version, 0 for a fresh file.
func (db *DB) GetSchemaVersion() (int, error) {
	var version string
	err := db.conn.QueryRow("SELECT value FROM schema_info WHERE key = 'version'").Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		// schema_info not created yet
		return 0, nil
	}
	var v int
	fmt.Sscanf(version, "%d", &v)
	return v, nil
}

func (db *DB) setSchemaVersion(version int) error {
	_, err := db.conn.Exec(`INSERT OR REPLACE INTO schema_info (key, value) VALUES ('version', ?)`,
		fmt.Sprintf("%d", version))
	return err
}

// RunMigrations brings the schema up to SchemaVersion and returns how many
// steps ran.
func (db *DB) RunMigrations() (int, error) {
	if v, _ := db.GetSchemaVersion(); v >= SchemaVersion {
		return 0, nil
	}

	var ran int
	err := db.withWriteLock(func() error {
		if _, err := db.conn.Exec(`CREATE TABLE IF NOT EXISTS schema_info (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
			return fmt.Errorf("create schema_info: %w", err)
		}
		current, err := db.GetSchemaVersion()
		if err != nil {
			return fmt.Errorf("get schema version: %w", err)
		}
		if current < 1 {
			if _, err := db.conn.Exec(schema); err != nil {
				return fmt.Errorf("create schema: %w", err)
			}
			if err := db.setSchemaVersion(1); err != nil {
				return fmt.Errorf("set version 1: %w", err)
			}
			current = 1
			ran++
		}
		for _, m := range Migrations {
			if m.Version <= current {
				continue
			}
			if _, err := db.conn.Exec(m.SQL); err != nil {
				return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
			}
			if err := db.setSchemaVersion(m.Version); err != nil {
				return fmt.Errorf("set version %d: %w", m.Version, err)
			}
			ran++
		}
		return nil
	})
	return ran, err
}
