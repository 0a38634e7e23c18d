// Package storage provides the persistence collaborators of the invoicemem
// pipeline.
//
// The memory store keeps every record in process memory and hands the whole
// collection to a SnapshotStore on load and save. Processed invoices are
// appended to an AuditSink. Backends implement both through Backend so a
// single file, sqlite database or postgres schema holds all durable state.
package storage

import (
	"context"

	"github.com/scrypster/invoicemem/pkg/types"
)

// SnapshotStore loads and saves the full memory snapshot.
type SnapshotStore interface {
	// Load returns the persisted snapshot. When nothing has been saved yet it
	// returns an empty snapshot at CurrentSchemaVersion, never ErrNotFound.
	// Snapshots written under another schema version are upgraded with
	// UpgradeSnapshot before they are returned.
	Load(ctx context.Context) (*Snapshot, error)

	// Save replaces the persisted snapshot.
	Save(ctx context.Context, snapshot *Snapshot) error
}

// AuditSink is the append-only log of processed invoices.
type AuditSink interface {
	// Append stores one audit record. Records are never updated.
	Append(ctx context.Context, record types.AuditRecord) error
}

// AuditReader lists previously appended audit records.
type AuditReader interface {
	// ListAudit returns audit records, newest first.
	ListAudit(ctx context.Context, opts AuditListOptions) ([]types.AuditRecord, error)
}

// Backend bundles the collaborators a storage engine provides.
type Backend interface {
	SnapshotStore
	AuditSink
	AuditReader

	// Close releases the underlying resources.
	Close() error
}
