package db

// SchemaVersion is the current database schema version
const SchemaVersion = 2

// schema is version 1: the outbox queue and the read cache.
const schema = `
CREATE TABLE IF NOT EXISTS queue_items (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    method TEXT NOT NULL CHECK (method IN ('CREATE', 'UPDATE', 'DELETE')),
    endpoint TEXT NOT NULL,
    payload TEXT,
    entity_ref TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    status TEXT NOT NULL DEFAULT 'pending'
        CHECK (status IN ('pending', 'syncing', 'failed_retryable', 'dead'))
);

CREATE INDEX IF NOT EXISTS idx_queue_items_status ON queue_items(status);

-- Only delivery state may change once an item is queued.
CREATE TRIGGER IF NOT EXISTS queue_items_immutable
BEFORE UPDATE OF method, endpoint, payload, entity_ref, created_at ON queue_items
BEGIN
    SELECT RAISE(ABORT, 'queue item content is immutable');
END;

CREATE TABLE IF NOT EXISTS cache_entries (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
`

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations is the list of all database migrations in order
var Migrations = []Migration{
	// Version 1 is the baseline schema above
	{
		Version:     2,
		Description: "Add temporary id map and sync run history",
		SQL: `
CREATE TABLE IF NOT EXISTS id_map (
    temp_id TEXT PRIMARY KEY,
    server_id TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    trigger_kind TEXT NOT NULL,
    started_at TEXT NOT NULL,
    finished_at TEXT,
    success_count INTEGER NOT NULL DEFAULT 0,
    fail_count INTEGER NOT NULL DEFAULT 0,
    dead_count INTEGER NOT NULL DEFAULT 0,
    stopped INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT ''
);
`,
	},
}
