package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/scrypster/invoicemem/pkg/types"
)

// ErrUnknownMemory is returned when feedback names a memory the store does
// not hold.
var ErrUnknownMemory = errors.New("unknown memory")

// Feedback is a reviewer's verdict on one memory, given after the invoice
// that surfaced it was processed.
type Feedback struct {
	InvoiceID string         `json:"invoiceId,omitempty"`
	MemoryID  string         `json:"memoryId"`
	Decision  types.Decision `json:"decision"`
	DecidedBy string         `json:"decidedBy,omitempty"`
	Note      string         `json:"note,omitempty"`
}

// RecordFeedback stores fb in the resolution history of its memory.
// Approval reinforces the memory and rejection penalizes it. Feedback on a
// duplicate lineage also settles the lineage: approval confirms it and
// rejection marks it as not a duplicate.
func (p *Pipeline) RecordFeedback(ctx context.Context, fb Feedback) ([]types.MemoryUpdate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fb.Decision != types.DecisionApproved && fb.Decision != types.DecisionRejected {
		return nil, fmt.Errorf("engine: %w: %q", ErrInvalidDecision, fb.Decision)
	}
	id := strings.TrimSpace(fb.MemoryID)
	if id == "" {
		return nil, fmt.Errorf("engine: %w: memory id is required", ErrUnknownMemory)
	}

	var updates []types.MemoryUpdate
	err := p.store.Exclusive(func() error {
		rec, ok := p.store.Get(id)
		if !ok {
			return fmt.Errorf("engine: %w: %s", ErrUnknownMemory, id)
		}

		note := fb.Note
		if note == "" && fb.InvoiceID != "" {
			note = "feedback on invoice " + fb.InvoiceID
		}
		entry := types.ResolutionEntry{
			Decision:  fb.Decision,
			DecidedAt: p.now(),
			DecidedBy: fb.DecidedBy,
			Note:      note,
		}

		// RecordResolution penalizes the linked memory on rejection.
		_, ups := p.store.RecordResolution(contextHash(id), entry, id)
		updates = append(updates, ups...)

		if fb.Decision == types.DecisionApproved && rec.Type != types.MemoryTypeDuplicate {
			if u, ok := p.store.ReinforceMemory(id, "approved by a reviewer"); ok {
				updates = append(updates, u)
			}
		}

		if rec.Type == types.MemoryTypeDuplicate {
			verdict := types.DuplicateConfirmed
			if fb.Decision == types.DecisionRejected {
				verdict = types.DuplicateRejected
			}
			if u, ok := p.store.ResolveDuplicate(id, verdict); ok {
				updates = append(updates, u)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updates, nil
}
