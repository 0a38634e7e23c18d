// Package file stores the memory snapshot as a JSON document and the audit
// log as JSON lines inside one data directory.
package file

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/scrypster/invoicemem/internal/storage"
	"github.com/scrypster/invoicemem/pkg/types"
)

const (
	// SnapshotFile is the snapshot file name inside the data directory.
	SnapshotFile = "memory.json"

	// AuditFile is the audit log file name inside the data directory.
	AuditFile = "audit.jsonl"

	maxAuditLine = 4 * 1024 * 1024
)

// Store implements storage.Backend on the local filesystem.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates the data directory if needed and returns a store rooted there.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: data directory is required", storage.ErrInvalidInput)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("file: failed to create data directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Load implements storage.SnapshotStore.
func (s *Store) Load(ctx context.Context) (*storage.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(SnapshotFile))
	if errors.Is(err, os.ErrNotExist) {
		return storage.NewSnapshot(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("file: failed to read snapshot: %w", err)
	}

	snap, err := storage.DecodeSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("file: failed to decode snapshot: %w", err)
	}
	if snap.SchemaVersion != storage.CurrentSchemaVersion {
		log.Printf("file: upgrading snapshot from schema %q to %q", snap.SchemaVersion, storage.CurrentSchemaVersion)
	}
	return storage.UpgradeSnapshot(snap), nil
}

// Save implements storage.SnapshotStore. The snapshot is written to a temp
// file and renamed so readers never observe a partial document.
func (s *Store) Save(ctx context.Context, snapshot *storage.Snapshot) error {
	if snapshot == nil {
		return storage.ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("file: failed to encode snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, SnapshotFile+".*.tmp")
	if err != nil {
		return fmt.Errorf("file: failed to create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("file: failed to write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("file: failed to sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("file: failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.path(SnapshotFile)); err != nil {
		return fmt.Errorf("file: failed to replace snapshot: %w", err)
	}
	return nil
}

// Append implements storage.AuditSink.
func (s *Store) Append(ctx context.Context, record types.AuditRecord) error {
	if record.InvoiceID == "" {
		return fmt.Errorf("%w: audit record needs an invoice id", storage.ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if record.ProcessedAt.IsZero() {
		record.ProcessedAt = time.Now().UTC()
	}

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("file: failed to encode audit record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path(AuditFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("file: failed to open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("file: failed to append audit record: %w", err)
	}
	return nil
}

// ListAudit implements storage.AuditReader.
func (s *Store) ListAudit(ctx context.Context, opts storage.AuditListOptions) ([]types.AuditRecord, error) {
	opts.Normalize()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path(AuditFile))
	if errors.Is(err, os.ErrNotExist) {
		return []types.AuditRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("file: failed to open audit log: %w", err)
	}
	defer f.Close()

	var all []types.AuditRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxAuditLine)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec types.AuditRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			log.Printf("file: skipping malformed audit line %d: %v", lineNo, err)
			continue
		}
		if opts.InvoiceID != "" && rec.InvoiceID != opts.InvoiceID {
			continue
		}
		all = append(all, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("file: failed to read audit log: %w", err)
	}

	out := make([]types.AuditRecord, 0, opts.Limit)
	for i := len(all) - 1; i >= 0 && len(out) < opts.Limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// Close implements storage.Backend. The file store holds no open handles.
func (s *Store) Close() error {
	return nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}
