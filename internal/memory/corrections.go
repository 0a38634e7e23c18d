package memory

import (
	"github.com/scrypster/invoicemem/internal/confidence"
	"github.com/scrypster/invoicemem/pkg/types"
)

// CorrectionInput describes a correction to remember.
type CorrectionInput struct {
	Pattern         types.CorrectionPattern
	SuggestedAction string
	VendorKey       string
	HumanApproved   bool
}

// FindCorrections returns the active correction memories scoped to
// vendorKey, plus the vendor-independent ones, in creation order.
func (s *Store) FindCorrections(vendorKey string) []*types.CorrectionMemory {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.CorrectionMemory
	for _, c := range s.corrections {
		if !c.IsActive {
			continue
		}
		if c.VendorKey == "" || c.VendorKey == vendorKey {
			out = append(out, c.Clone())
		}
	}
	return out
}

// RecordCorrection reinforces the active correction with the same pattern
// type and signature, or creates one at ApprovedCorrection confidence when
// human-approved and at the initial confidence otherwise.
func (s *Store) RecordCorrection(in CorrectionInput) (*types.CorrectionMemory, types.MemoryUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.corrections {
		if !c.IsActive || c.Pattern.Type != in.Pattern.Type || c.Pattern.Signature != in.Pattern.Signature {
			continue
		}
		s.reinforceLocked(&c.MemoryRecord)
		if in.HumanApproved {
			c.HumanApproved = true
		}
		if in.SuggestedAction != "" {
			c.SuggestedAction = in.SuggestedAction
		}
		if in.Pattern.Condition != "" {
			c.Pattern.Condition = in.Pattern.Condition
		}
		return c.Clone(), update(types.OperationReinforce, &c.MemoryRecord, "correction pattern observed again")
	}

	start := s.engine.Initial()
	if in.HumanApproved {
		start = confidence.ApprovedCorrection
	}
	c := &types.CorrectionMemory{
		MemoryRecord:    s.newRecordLocked(types.MemoryTypeCorrection, start),
		Pattern:         in.Pattern,
		SuggestedAction: in.SuggestedAction,
		VendorKey:       in.VendorKey,
		HumanApproved:   in.HumanApproved,
	}
	s.corrections = append(s.corrections, c)

	u := update(types.OperationCreate, &c.MemoryRecord, "new correction pattern")
	u.Data["patternType"] = string(c.Pattern.Type)
	u.Data["signature"] = c.Pattern.Signature
	u.Data["humanApproved"] = c.HumanApproved
	return c.Clone(), u
}
