// Package postgres provides a PostgreSQL implementation of the storage backend.
package postgres

// Schema contains the SQL statements to create the database schema for PostgreSQL.
// All statements use IF NOT EXISTS and are safe to run on every start.
const Schema = `
CREATE TABLE IF NOT EXISTS memory_records (
    id TEXT PRIMARY KEY,
    memory_type TEXT NOT NULL,
    position INTEGER NOT NULL,
    confidence DOUBLE PRECISION NOT NULL,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    updated_at TIMESTAMPTZ NOT NULL,
    payload JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_memory_records_type ON memory_records(memory_type, position);
CREATE INDEX IF NOT EXISTS idx_memory_records_active ON memory_records(is_active);

CREATE TABLE IF NOT EXISTS snapshot_meta (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    schema_version TEXT NOT NULL,
    saved_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
    seq BIGSERIAL PRIMARY KEY,
    invoice_id TEXT NOT NULL,
    processed_at TIMESTAMPTZ NOT NULL,
    requires_review BOOLEAN NOT NULL,
    confidence DOUBLE PRECISION NOT NULL,
    record JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_log_invoice ON audit_log(invoice_id, seq);
`
