package memory

import (
	"github.com/scrypster/invoicemem/internal/confidence"
	"github.com/scrypster/invoicemem/pkg/types"
)

// FindResolution returns the active resolution history for contextHash.
func (s *Store) FindResolution(contextHash string) (*types.ResolutionMemory, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r := s.resolutionLocked(contextHash); r != nil {
		return r.Clone(), true
	}
	return nil, false
}

func (s *Store) resolutionLocked(contextHash string) *types.ResolutionMemory {
	for _, r := range s.resolutions {
		if r.IsActive && r.ContextHash == contextHash {
			return r
		}
	}
	return nil
}

// RecordResolution appends entry to the active resolution for contextHash
// and reinforces it, or creates a new resolution at NewResolution
// confidence. A rejected decision also penalizes linkedMemoryID when it names
// a known record.
func (s *Store) RecordResolution(contextHash string, entry types.ResolutionEntry, linkedMemoryID string) (*types.ResolutionMemory, []types.MemoryUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.DecidedAt.IsZero() {
		entry.DecidedAt = s.now()
	}

	var updates []types.MemoryUpdate
	r := s.resolutionLocked(contextHash)
	if r != nil {
		r.Decisions = append(r.Decisions, entry)
		if linkedMemoryID != "" {
			r.LinkedMemoryID = linkedMemoryID
		}
		s.reinforceLocked(&r.MemoryRecord)
		u := update(types.OperationReinforce, &r.MemoryRecord, "decision appended to resolution history")
		u.Data["decision"] = string(entry.Decision)
		updates = append(updates, u)
	} else {
		r = &types.ResolutionMemory{
			MemoryRecord:   s.newRecordLocked(types.MemoryTypeResolution, confidence.NewResolution),
			ContextHash:    contextHash,
			Decisions:      []types.ResolutionEntry{entry},
			LinkedMemoryID: linkedMemoryID,
		}
		s.resolutions = append(s.resolutions, r)
		u := update(types.OperationCreate, &r.MemoryRecord, "first human decision in this context")
		u.Data["decision"] = string(entry.Decision)
		updates = append(updates, u)
	}

	if entry.Decision == types.DecisionRejected {
		if linked := s.findRecordLocked(linkedMemoryID); linked != nil {
			s.penalizeLocked(linked)
			updates = append(updates, update(types.OperationContradict, linked, "rejected by a reviewer"))
		}
	}

	return r.Clone(), updates
}
