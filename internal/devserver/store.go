package devserver

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned for a record that does not exist.
var ErrNotFound = errors.New("record not found")

// ErrVersionConflict is returned when an update names a stale version.
var ErrVersionConflict = errors.New("version conflict")

const storeSchema = `
CREATE TABLE IF NOT EXISTS records (
	resource   TEXT NOT NULL,
	id         TEXT NOT NULL,
	body       TEXT NOT NULL,
	version    INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (resource, id)
);
`

// Record is one stored resource instance.
type Record struct {
	Resource  string
	ID        string
	Body      map[string]any
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// JSON returns the record as sent to clients: its fields plus id, version
// and timestamps.
func (r *Record) JSON() map[string]any {
	out := make(map[string]any, len(r.Body)+4)
	for k, v := range r.Body {
		out[k] = v
	}
	out["id"] = r.ID
	out["version"] = r.Version
	out["created_at"] = r.CreatedAt.UTC().Format(time.RFC3339Nano)
	out["updated_at"] = r.UpdatedAt.UTC().Format(time.RFC3339Nano)
	return out
}

// Store keeps records of any resource type in one SQLite table.
type Store struct {
	conn *sql.DB
}

// OpenStore opens (creating if needed) the record database at path.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := conn.Exec(storeSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{conn: conn}, nil
}

// Ping checks the database connection is alive.
func (s *Store) Ping() error {
	return s.conn.Ping()
}

// Close checkpoints the WAL and closes the database connection.
func (s *Store) Close() error {
	s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.conn.Close()
}

// Create stores body under a new id.
func (s *Store) Create(resource string, body map[string]any) (*Record, error) {
	now := time.Now().UTC()
	rec := &Record{Resource: resource, ID: uuid.NewString(), Body: body, Version: 1, CreatedAt: now, UpdatedAt: now}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	_, err = s.conn.Exec(
		`INSERT INTO records (resource, id, body, version, created_at, updated_at) VALUES (?, ?, ?, 1, ?, ?)`,
		resource, rec.ID, string(data), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert record: %w", err)
	}
	return rec, nil
}

// Get returns one record or ErrNotFound.
func (s *Store) Get(resource, id string) (*Record, error) {
	row := s.conn.QueryRow(
		`SELECT resource, id, body, version, created_at, updated_at FROM records WHERE resource = ? AND id = ?`,
		resource, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// List returns every record of resource, oldest first.
func (s *Store) List(resource string) ([]*Record, error) {
	rows, err := s.conn.Query(
		`SELECT resource, id, body, version, created_at, updated_at FROM records WHERE resource = ? ORDER BY created_at, id`,
		resource)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Update replaces a record's body. expectVersion of 0 skips the version
// check; otherwise a mismatch is ErrVersionConflict.
func (s *Store) Update(resource, id string, body map[string]any, expectVersion int64) (*Record, error) {
	tx, err := s.conn.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRow(
		`SELECT resource, id, body, version, created_at, updated_at FROM records WHERE resource = ? AND id = ?`,
		resource, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if expectVersion != 0 && expectVersion != rec.Version {
		return nil, fmt.Errorf("%w: record is at version %d, request names %d", ErrVersionConflict, rec.Version, expectVersion)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if _, err := tx.Exec(
		`UPDATE records SET body = ?, version = version + 1, updated_at = ? WHERE resource = ? AND id = ?`,
		string(data), now.Format(time.RFC3339Nano), resource, id); err != nil {
		return nil, fmt.Errorf("update record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	rec.Body = body
	rec.Version++
	rec.UpdatedAt = now
	return rec, nil
}

// Delete removes a record or returns ErrNotFound.
func (s *Store) Delete(resource, id string) error {
	res, err := s.conn.Exec(`DELETE FROM records WHERE resource = ? AND id = ?`, resource, id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(s rowScanner) (*Record, error) {
	var rec Record
	var body, created, updated string
	if err := s.Scan(&rec.Resource, &rec.ID, &body, &rec.Version, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(body), &rec.Body); err != nil {
		return nil, fmt.Errorf("decode record %s/%s: %w", rec.Resource, rec.ID, err)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &rec, nil
}
