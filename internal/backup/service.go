package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/scrypster/invoicemem/internal/storage"
)

// ErrNoBackups is returned by Latest when the directory holds no backups.
var ErrNoBackups = errors.New("no backups found")

// Service writes and restores snapshot backups in one directory.
type Service struct {
	dir       string
	retention RetentionPolicy
	verify    bool
	now       func() time.Time
}

// New validates cfg and creates the backup directory.
func New(cfg Config) (*Service, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("backup: directory is required")
	}
	if cfg.Retention == (RetentionPolicy{}) {
		cfg.Retention = DefaultRetention()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("backup: failed to create backup directory: %w", err)
	}
	return &Service{
		dir:       cfg.Dir,
		retention: cfg.Retention,
		verify:    cfg.Verify,
		now:       time.Now,
	}, nil
}

// Dir returns the backup directory.
func (s *Service) Dir() string {
	return s.dir
}

// BackupNow writes snap to a new timestamped file, verifies it when enabled
// and applies the retention policy. Retention failures are logged, not
// returned.
func (s *Service) BackupNow(ctx context.Context, snap *storage.Snapshot) (*Result, error) {
	if snap == nil {
		return nil, fmt.Errorf("backup: %w: snapshot is nil", storage.ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := s.now()
	path := filepath.Join(s.dir, fileName(start))

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("backup: failed to encode snapshot: %w", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return nil, err
	}

	result := &Result{
		Path:     path,
		Size:     int64(len(data)),
		Records:  snap.Len(),
		Duration: time.Since(start),
	}

	if s.verify {
		if _, err := verify(path, snap.Len()); err != nil {
			return result, err
		}
		result.Verified = true
	}

	if removed, err := applyRetention(s.dir, s.retention, s.now()); err != nil {
		log.Printf("backup: retention failed: %v", err)
	} else if removed > 0 {
		log.Printf("backup: removed %d expired backups", removed)
	}
	return result, nil
}

// List returns the stored backups, newest first.
func (s *Service) List() ([]Info, error) {
	return listBackups(s.dir)
}

// Latest returns the newest backup.
func (s *Service) Latest() (Info, error) {
	backups, err := s.List()
	if err != nil {
		return Info{}, err
	}
	if len(backups) == 0 {
		return Info{}, ErrNoBackups
	}
	return backups[0], nil
}

// Restore replaces the snapshot held by dst with the backup at path. The
// current contents of dst are backed up first; if the restore save fails
// they are written back.
func (s *Service) Restore(ctx context.Context, path string, dst storage.SnapshotStore) (*storage.Snapshot, error) {
	restored, err := verify(path, -1)
	if err != nil {
		return nil, err
	}

	current, err := dst.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("backup: failed to load current snapshot: %w", err)
	}
	if current.Len() > 0 {
		pre, err := s.BackupNow(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("backup: failed to create pre-restore backup: %w", err)
		}
		log.Printf("backup: saved pre-restore backup %s", filepath.Base(pre.Path))
	}

	if err := dst.Save(ctx, restored); err != nil {
		if rbErr := dst.Save(ctx, current); rbErr != nil {
			return nil, fmt.Errorf("backup: restore failed and rollback failed: %v (restore error: %w)", rbErr, err)
		}
		return nil, fmt.Errorf("backup: restore failed, rolled back to previous state: %w", err)
	}

	log.Printf("backup: restored %d records from %s", restored.Len(), filepath.Base(path))
	return restored, nil
}

// verify decodes the backup at path. When want is not negative the record
// count must match it.
func verify(path string, want int) (*storage.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("backup: failed to read backup: %w", err)
	}

	snap, err := storage.DecodeSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("backup: verification failed: %w", err)
	}
	if snap.SchemaVersion == "" {
		return nil, fmt.Errorf("backup: verification failed: %s has no schema version", filepath.Base(path))
	}
	if want >= 0 && snap.Len() != want {
		return nil, fmt.Errorf("backup: verification failed: %d records written, %d read back", want, snap.Len())
	}
	return storage.UpgradeSnapshot(snap), nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("backup: failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("backup: failed to write backup: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("backup: failed to sync backup: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("backup: failed to close backup: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("backup: failed to finalize backup: %w", err)
	}
	return nil
}
