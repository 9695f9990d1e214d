package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const dbFile = "fieldsync.db"

var (
	// ErrItemNotFound is returned when a queue item id does not exist.
	ErrItemNotFound = errors.New("queue item not found")
	// ErrNotDead is returned when a dead-letter operation targets a live item.
	ErrNotDead = errors.New("queue item is not dead")
)

// StorageError wraps a failure of the underlying database. Callers must treat
// it as "the write may not have been persisted".
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// DB wraps the local database holding the outbox queue, the read cache, the
// temporary id map and sync run history.
type DB struct {
	conn        *sql.DB
	dir         string
	lockTimeout time.Duration
	now         func() time.Time
}

// Open opens (creating if needed) the database in dir, runs pending
// migrations and returns any item left in flight by a previous process to
// pending.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := "file:" + filepath.Join(dir, dbFile) +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(2000)&_pragma=synchronous(NORMAL)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}

	db := &DB{
		conn:        conn,
		dir:         dir,
		lockTimeout: defaultLockTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}

	if _, err := db.RunMigrations(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	if _, err := db.NormalizeInFlight(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database
func (db *DB) Close() error {
	return db.conn.Close()
}

// Dir returns the data directory holding the database file.
func (db *DB) Dir() string {
	return db.dir
}

// Path returns the database file path.
func (db *DB) Path() string {
	return filepath.Join(db.dir, dbFile)
}

// withWriteLock runs fn while holding the cross-process write lock.
func (db *DB) withWriteLock(fn func() error) error {
	locker := newWriteLocker(db.dir)
	if err := locker.acquire(db.lockTimeout); err != nil {
		return err
	}
	defer locker.release()
	return fn()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTimestamp accepts our own format plus SQLite's CURRENT_TIMESTAMP form.
func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &time.ParseError{Layout: time.RFC3339Nano, Value: s}
}

// TryRunLock takes the data directory's sync run lock so that two processes
// never replay the same queue at once. The caller must call release.
// A lock still held after timeout yields a *LockBusyError.
func (db *DB) TryRunLock(timeout time.Duration) (release func(), err error) {
	locker := newRunLocker(db.dir)
	if err := locker.acquire(timeout); err != nil {
		return nil, err
	}
	return func() { locker.release() }, nil
}
