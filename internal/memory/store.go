// Package memory holds the confidence-scored memories of the invoice
// pipeline: vendor identities, correction patterns, human resolutions and
// duplicate lineages.
//
// A Store is scoped to its caller. It keeps each memory variant in its own
// collection, routes every confidence change through the confidence engine,
// and persists through a storage.SnapshotStore with an explicit Init/Flush
// lifecycle.
package memory

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/invoicemem/internal/confidence"
	"github.com/scrypster/invoicemem/internal/storage"
	"github.com/scrypster/invoicemem/pkg/types"
)

// Store is the in-process memory store. It is safe for concurrent use; use
// Exclusive to serialize multi-step operations such as processing one invoice.
type Store struct {
	engine  *confidence.Engine
	backend storage.SnapshotStore
	now     func() time.Time
	newID   func(types.MemoryType) string

	// opMu serializes whole-invoice processing and decay maintenance.
	opMu sync.Mutex

	mu          sync.RWMutex
	vendors     []*types.VendorMemory
	corrections []*types.CorrectionMemory
	resolutions []*types.ResolutionMemory
	duplicates  []*types.DuplicateRecord
	dirty       bool
	loadedAt    time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides record id generation.
func WithIDGenerator(gen func(types.MemoryType) string) Option {
	return func(s *Store) { s.newID = gen }
}

// New returns an empty store. backend may be nil for a purely in-memory
// store; Init and Flush are then no-ops.
func New(engine *confidence.Engine, backend storage.SnapshotStore, opts ...Option) *Store {
	if engine == nil {
		engine = confidence.Default()
	}
	s := &Store{
		engine:  engine,
		backend: backend,
		now:     func() time.Time { return time.Now().UTC() },
		newID: func(t types.MemoryType) string {
			return fmt.Sprintf("%s_%s", t, uuid.NewString())
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Engine returns the confidence engine the store mutates with.
func (s *Store) Engine() *confidence.Engine {
	return s.engine
}

// Init replaces the store contents with the backend snapshot.
func (s *Store) Init(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}

	snap, err := s.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("memory: failed to load snapshot: %w", err)
	}
	snap = storage.UpgradeSnapshot(snap)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.vendors = snap.Vendors
	s.corrections = snap.Corrections
	s.resolutions = snap.Resolutions
	s.duplicates = snap.Duplicates
	s.dirty = false
	s.loadedAt = s.now()

	log.Printf("memory: loaded %d records (schema %s)", snap.Len(), snap.SchemaVersion)
	return nil
}

// Flush saves the store when it has unsaved changes. The write lock is held
// for the whole save so no mutation is visible half-written. It reports
// whether a save happened.
func (s *Store) Flush(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.dirty || s.backend == nil {
		return false, nil
	}

	snap := s.snapshotLocked()
	snap.SavedAt = s.now()
	if err := s.backend.Save(ctx, snap); err != nil {
		return false, fmt.Errorf("memory: failed to save snapshot: %w", err)
	}
	s.dirty = false
	return true, nil
}

// Dirty reports whether the store has unsaved changes.
func (s *Store) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

// Exclusive runs fn while holding the store's operation lock. Invoice
// processing and decay maintenance use it so they never interleave.
func (s *Store) Exclusive(fn func() error) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return fn()
}

// Snapshot returns a deep copy of every record.
func (s *Store) Snapshot() *storage.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() *storage.Snapshot {
	snap := storage.NewSnapshot()
	for _, v := range s.vendors {
		snap.Vendors = append(snap.Vendors, v.Clone())
	}
	for _, c := range s.corrections {
		snap.Corrections = append(snap.Corrections, c.Clone())
	}
	for _, r := range s.resolutions {
		snap.Resolutions = append(snap.Resolutions, r.Clone())
	}
	for _, d := range s.duplicates {
		snap.Duplicates = append(snap.Duplicates, d.Clone())
	}
	return snap
}

// CollectionStats counts the records of one memory type.
type CollectionStats struct {
	Total  int `json:"total"`
	Active int `json:"active"`
}

// Stats summarizes the store.
type Stats struct {
	Vendors     CollectionStats `json:"vendors"`
	Corrections CollectionStats `json:"corrections"`
	Resolutions CollectionStats `json:"resolutions"`
	Duplicates  CollectionStats `json:"duplicates"`
	Dirty       bool            `json:"dirty"`
	LoadedAt    time.Time       `json:"loadedAt,omitempty"`
}

// Stats returns record counts per memory type.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := func(records []*types.MemoryRecord) CollectionStats {
		st := CollectionStats{Total: len(records)}
		for _, r := range records {
			if r.IsActive {
				st.Active++
			}
		}
		return st
	}

	return Stats{
		Vendors:     count(bases(s.vendors)),
		Corrections: count(bases(s.corrections)),
		Resolutions: count(bases(s.resolutions)),
		Duplicates:  count(bases(s.duplicates)),
		Dirty:       s.dirty,
		LoadedAt:    s.loadedAt,
	}
}

// based is implemented by every memory variant through the embedded
// MemoryRecord.
type based interface {
	Base() *types.MemoryRecord
}

func bases[T based](records []T) []*types.MemoryRecord {
	out := make([]*types.MemoryRecord, 0, len(records))
	for _, r := range records {
		out = append(out, r.Base())
	}
	return out
}

// allRecordsLocked returns the base of every record across all collections.
func (s *Store) allRecordsLocked() []*types.MemoryRecord {
	out := bases(s.vendors)
	out = append(out, bases(s.corrections)...)
	out = append(out, bases(s.resolutions)...)
	out = append(out, bases(s.duplicates)...)
	return out
}

// findRecordLocked scans all collections for id.
func (s *Store) findRecordLocked(id string) *types.MemoryRecord {
	if id == "" {
		return nil
	}
	for _, r := range s.allRecordsLocked() {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// Get returns the shared fields of the record with id.
func (s *Store) Get(id string) (types.MemoryRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r := s.findRecordLocked(id)
	if r == nil {
		return types.MemoryRecord{}, false
	}
	return *r, true
}

// newRecordLocked builds the base of a new record and marks the store dirty.
func (s *Store) newRecordLocked(t types.MemoryType, c float64) types.MemoryRecord {
	now := s.now()
	c = confidence.Clamp(c)
	s.dirty = true
	return types.MemoryRecord{
		ID:         s.newID(t),
		Type:       t,
		CreatedAt:  now,
		UpdatedAt:  now,
		Confidence: c,
		IsActive:   !s.engine.ShouldDeactivate(c),
	}
}

// touchLocked marks r as modified now.
func (s *Store) touchLocked(r *types.MemoryRecord) {
	r.UpdatedAt = s.now()
	s.dirty = true
}

// reinforceLocked applies one reinforcement to r. Deactivation is final: a
// deactivated record gains confidence but stays out of recall.
func (s *Store) reinforceLocked(r *types.MemoryRecord) {
	r.Confidence = s.engine.Reinforce(r.Confidence)
	r.ReinforcementCount++
	s.touchLocked(r)
}

// penalizeLocked applies one contradiction to r and deactivates it when it
// crosses the threshold.
func (s *Store) penalizeLocked(r *types.MemoryRecord) {
	r.Confidence = s.engine.Penalize(r.Confidence)
	r.ContradictionCount++
	if s.engine.ShouldDeactivate(r.Confidence) {
		r.IsActive = false
	}
	s.touchLocked(r)
}

func recordData(r *types.MemoryRecord) map[string]interface{} {
	return map[string]interface{}{
		"confidence":         r.Confidence,
		"reinforcementCount": r.ReinforcementCount,
		"contradictionCount": r.ContradictionCount,
		"isActive":           r.IsActive,
	}
}

func update(op types.UpdateOperation, r *types.MemoryRecord, reason string) types.MemoryUpdate {
	return types.MemoryUpdate{
		Operation:  op,
		MemoryType: r.Type,
		RecordID:   r.ID,
		Data:       recordData(r),
		Reason:     reason,
	}
}

// ReinforceMemory reinforces the record with id. Unknown ids are ignored.
func (s *Store) ReinforceMemory(id, reason string) (types.MemoryUpdate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.findRecordLocked(id)
	if r == nil {
		return types.MemoryUpdate{}, false
	}
	s.reinforceLocked(r)
	return update(types.OperationReinforce, r, reason), true
}

// PenalizeMemory records a contradiction against the record with id and
// deactivates it when its confidence drops below the threshold. Unknown ids
// are ignored.
func (s *Store) PenalizeMemory(id, reason string) (types.MemoryUpdate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.findRecordLocked(id)
	if r == nil {
		return types.MemoryUpdate{}, false
	}
	s.penalizeLocked(r)
	return update(types.OperationContradict, r, reason), true
}

// ApplyDecayToAll decays every active record idle past the grace window and
// deactivates records that fall below the threshold. Only records whose
// confidence changed are reported.
func (s *Store) ApplyDecayToAll(now time.Time) []types.MemoryUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updates []types.MemoryUpdate
	for _, r := range s.allRecordsLocked() {
		if !r.IsActive {
			continue
		}
		ref := confidence.DecayReference(r.UpdatedAt, r.DecayedAt)
		decayed := s.engine.ApplyDecay(r.Confidence, ref, now)
		if decayed == r.Confidence {
			continue
		}

		r.Confidence = decayed
		decayedAt := now
		r.DecayedAt = &decayedAt
		reason := "idle beyond the decay grace period"
		if s.engine.ShouldDeactivate(decayed) {
			r.IsActive = false
			reason = "decayed below the deactivation threshold"
		}
		s.dirty = true
		updates = append(updates, update(types.OperationDecay, r, reason))
	}

	if len(updates) > 0 {
		log.Printf("memory: decay touched %d records", len(updates))
	}
	return updates
}
