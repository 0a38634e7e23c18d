package memory

import (
	"github.com/scrypster/invoicemem/internal/duplicates"
	"github.com/scrypster/invoicemem/pkg/types"
)

// FindDuplicate returns the duplicate lineage for hash. Lineages are
// returned whether or not they are active: a fingerprint that was seen stays
// seen. At most one lineage exists per hash.
func (s *Store) FindDuplicate(hash string) (*types.DuplicateRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if d := s.duplicateLocked(hash); d != nil {
		return d.Clone(), true
	}
	return nil, false
}

func (s *Store) duplicateLocked(hash string) *types.DuplicateRecord {
	for _, d := range s.duplicates {
		if d.DuplicateHash == hash {
			return d
		}
	}
	return nil
}

// RecordDuplicate records inv, identified by invoiceID, under its
// fingerprint. On a miss it creates the first-seen lineage. On a hit the id is
// appended when it is new and the invoice is at least ConfirmThreshold
// similar to the lineage. It reports false when nothing changed.
func (s *Store) RecordDuplicate(inv *types.Invoice, invoiceID string) (*types.DuplicateRecord, types.MemoryUpdate, bool) {
	hash := duplicates.Fingerprint(inv)

	s.mu.Lock()
	defer s.mu.Unlock()

	if d := s.duplicateLocked(hash); d != nil {
		if d.Seen(invoiceID) {
			return d.Clone(), types.MemoryUpdate{}, false
		}
		sim := duplicates.Similarity(d, inv)
		if sim < duplicates.ConfirmThreshold {
			return d.Clone(), types.MemoryUpdate{}, false
		}
		d.Occurrences = append(d.Occurrences, invoiceID)
		s.touchLocked(&d.MemoryRecord)

		u := update(types.OperationUpdate, &d.MemoryRecord, "invoice matches an existing fingerprint")
		u.Data["invoiceId"] = invoiceID
		u.Data["occurrences"] = len(d.Occurrences) + 1
		u.Data["similarity"] = sim
		return d.Clone(), u, true
	}

	d := &types.DuplicateRecord{
		MemoryRecord:       s.newRecordLocked(types.MemoryTypeDuplicate, s.engine.Initial()),
		DuplicateHash:      hash,
		FirstSeenInvoiceID: invoiceID,
		Occurrences:        []string{},
		VendorKey:          duplicates.VendorKey(inv.Vendor),
		InvoiceNumber:      inv.InvoiceNumber,
		TotalAmount:        inv.TotalAmount,
		Resolution:         types.DuplicatePending,
	}
	s.duplicates = append(s.duplicates, d)

	u := update(types.OperationCreate, &d.MemoryRecord, "first sighting of this fingerprint")
	u.Data["hash"] = hash
	u.Data["invoiceId"] = invoiceID
	return d.Clone(), u, true
}

// ResolveDuplicate stores a reviewer's verdict on the lineage with id.
// Confirming reinforces the lineage; rejecting marks it as not a duplicate so
// it stops flagging.
func (s *Store) ResolveDuplicate(id string, verdict types.DuplicateResolution) (types.MemoryUpdate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.duplicates {
		if d.ID != id {
			continue
		}
		d.Resolution = verdict
		switch verdict {
		case types.DuplicateConfirmed:
			d.ConfirmedDuplicate = true
			s.reinforceLocked(&d.MemoryRecord)
			return update(types.OperationReinforce, &d.MemoryRecord, "duplicate confirmed by a reviewer"), true
		case types.DuplicateRejected:
			d.ConfirmedDuplicate = false
			s.touchLocked(&d.MemoryRecord)
			return update(types.OperationUpdate, &d.MemoryRecord, "reviewer marked lineage as not duplicate"), true
		default:
			s.touchLocked(&d.MemoryRecord)
			return update(types.OperationUpdate, &d.MemoryRecord, "duplicate verdict reset"), true
		}
	}
	return types.MemoryUpdate{}, false
}
