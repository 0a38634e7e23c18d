// Package sqlite provides a SQLite implementation of the storage backend.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/invoicemem/internal/storage"
	"github.com/scrypster/invoicemem/pkg/types"
)

// Store implements storage.Backend using SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the SQLite database at dsn with WAL
// self-healing. If the initial open fails due to stale WAL files left behind
// by a crashed process, it verifies no other process holds them and retries
// once after removing the stale -shm/-wal files.
func NewStore(dsn string) (*Store, error) {
	store, err := openStore(dsn)
	if err == nil {
		return store, nil
	}

	if !isRecoverableWALError(err) {
		return nil, err
	}

	dbPath := dbPathFromDSN(dsn)
	if dbPath == "" || !isWALStale(dbPath) {
		return nil, err
	}

	removeStaleWAL(dbPath)

	store, retryErr := openStore(dsn)
	if retryErr != nil {
		return nil, fmt.Errorf("sqlite: failed after WAL recovery: %w (original: %v)", retryErr, err)
	}

	log.Printf("sqlite: recovered from stale WAL files for %s", dbPath)
	return store, nil
}

func openStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer; a single connection also
	// keeps a ":memory:" database alive for the lifetime of the store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", p, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Load implements storage.SnapshotStore.
func (s *Store) Load(ctx context.Context) (*storage.Snapshot, error) {
	var version, savedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT schema_version, saved_at FROM snapshot_meta WHERE id = 1`,
	).Scan(&version, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.NewSnapshot(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to read snapshot meta: %w", err)
	}

	snap := &storage.Snapshot{SchemaVersion: version}
	if t, err := time.Parse(time.RFC3339Nano, savedAt); err == nil {
		snap.SavedAt = t
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT memory_type, payload FROM memory_records ORDER BY memory_type, position`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query memory records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var memoryType, payload string
		if err := rows.Scan(&memoryType, &payload); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan memory record: %w", err)
		}
		if err := snap.AddRow(types.MemoryType(memoryType), []byte(payload)); err != nil {
			if errors.Is(err, storage.ErrInvalidInput) {
				log.Printf("sqlite: skipping record: %v", err)
				continue
			}
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: failed to iterate memory records: %w", err)
	}

	if version != storage.CurrentSchemaVersion {
		log.Printf("sqlite: upgrading snapshot from schema %q to %q", version, storage.CurrentSchemaVersion)
	}
	return storage.UpgradeSnapshot(snap), nil
}

// Save implements storage.SnapshotStore. The previous snapshot is replaced
// inside one transaction.
func (s *Store) Save(ctx context.Context, snapshot *storage.Snapshot) error {
	if snapshot == nil {
		return storage.ErrInvalidInput
	}

	records, err := snapshot.Rows()
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_records`); err != nil {
		return fmt.Errorf("sqlite: failed to clear memory records: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO memory_records (id, memory_type, position, confidence, is_active, updated_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx,
			r.ID, string(r.Type), r.Position, r.Confidence, r.IsActive,
			r.UpdatedAt.UTC().Format(time.RFC3339Nano), string(r.Payload),
		); err != nil {
			return fmt.Errorf("sqlite: failed to insert record %s: %w", r.ID, err)
		}
	}

	savedAt := snapshot.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now().UTC()
	}
	version := snapshot.SchemaVersion
	if version == "" {
		version = storage.CurrentSchemaVersion
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO snapshot_meta (id, schema_version, saved_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET schema_version = excluded.schema_version, saved_at = excluded.saved_at`,
		version, savedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("sqlite: failed to write snapshot meta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit snapshot: %w", err)
	}
	return nil
}

// Append implements storage.AuditSink.
func (s *Store) Append(ctx context.Context, record types.AuditRecord) error {
	if record.InvoiceID == "" {
		return fmt.Errorf("%w: audit record needs an invoice id", storage.ErrInvalidInput)
	}
	if record.ProcessedAt.IsZero() {
		record.ProcessedAt = time.Now().UTC()
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("sqlite: failed to encode audit record: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (invoice_id, processed_at, requires_review, confidence, record)
		VALUES (?, ?, ?, ?, ?)`,
		record.InvoiceID,
		record.ProcessedAt.UTC().Format(time.RFC3339Nano),
		record.Summary.RequiresHumanReview,
		record.Summary.ConfidenceScore,
		string(data),
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to append audit record: %w", err)
	}
	return nil
}

// ListAudit implements storage.AuditReader.
func (s *Store) ListAudit(ctx context.Context, opts storage.AuditListOptions) ([]types.AuditRecord, error) {
	opts.Normalize()

	query := `SELECT record FROM audit_log`
	args := []interface{}{}
	if opts.InvoiceID != "" {
		query += ` WHERE invoice_id = ?`
		args = append(args, opts.InvoiceID)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, opts.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query audit log: %w", err)
	}
	defer rows.Close()

	out := []types.AuditRecord{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan audit record: %w", err)
		}
		var rec types.AuditRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("sqlite: failed to decode audit record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: failed to iterate audit log: %w", err)
	}
	return out, nil
}

// Close flushes the WAL into the main database file and releases resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}

	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Printf("sqlite: WAL checkpoint on close failed (non-fatal): %v", err)
	}

	return s.db.Close()
}

// dbPathFromDSN extracts the filesystem path from a SQLite DSN.
// Handles bare paths ("/path/to/db.sqlite") and file: URIs ("file:/path/to/db.sqlite?mode=rwc").
// Returns empty string for in-memory databases or unparseable DSNs.
func dbPathFromDSN(dsn string) string {
	if dsn == ":memory:" || dsn == "" {
		return ""
	}

	if strings.HasPrefix(dsn, "file:") {
		u, err := url.Parse(dsn)
		if err != nil {
			return ""
		}
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == ":memory:" || path == "" {
			return ""
		}
		return path
	}

	return dsn
}

// isRecoverableWALError reports errors caused by stale WAL files.
func isRecoverableWALError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "disk I/O error") ||
		strings.Contains(msg, "database is locked")
}

// isWALStale checks whether -shm/-wal files exist for dbPath and no other
// process holds them open. Returns false if lsof is unavailable.
func isWALStale(dbPath string) bool {
	shmPath := dbPath + "-shm"
	walPath := dbPath + "-wal"

	if !fileExists(shmPath) && !fileExists(walPath) {
		return false
	}

	lsofPath, err := exec.LookPath("lsof")
	if err != nil {
		return false
	}

	output, err := exec.Command(lsofPath, "-t", dbPath, shmPath, walPath).Output()
	if err != nil {
		// lsof exits 1 when nothing has the files open.
		return true
	}
	return strings.TrimSpace(string(output)) == ""
}

func removeStaleWAL(dbPath string) {
	for _, suffix := range []string{"-shm", "-wal"} {
		path := dbPath + suffix
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("sqlite: failed to remove stale %s: %v", path, err)
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
