package sqlite

// Schema creates the tables used by Store. All statements are idempotent.
const Schema = `
-- One row per memory record. payload holds the full JSON record; the other
-- columns exist for inspection and indexing.
CREATE TABLE IF NOT EXISTS memory_records (
    id TEXT PRIMARY KEY,
    memory_type TEXT NOT NULL,
    position INTEGER NOT NULL,
    confidence REAL NOT NULL,
    is_active INTEGER NOT NULL DEFAULT 1,
    updated_at TEXT NOT NULL,
    payload TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_memory_records_type ON memory_records(memory_type, position);
CREATE INDEX IF NOT EXISTS idx_memory_records_active ON memory_records(is_active);

-- Single-row table describing the last saved snapshot.
CREATE TABLE IF NOT EXISTS snapshot_meta (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    schema_version TEXT NOT NULL,
    saved_at TEXT NOT NULL
);

-- Append-only audit log.
CREATE TABLE IF NOT EXISTS audit_log (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    invoice_id TEXT NOT NULL,
    processed_at TEXT NOT NULL,
    requires_review INTEGER NOT NULL,
    confidence REAL NOT NULL,
    record TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_log_invoice ON audit_log(invoice_id, seq);
`
