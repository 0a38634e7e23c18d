package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/scrypster/invoicemem/internal/confidence"
	"github.com/scrypster/invoicemem/internal/duplicates"
	"github.com/scrypster/invoicemem/internal/memory"
	"github.com/scrypster/invoicemem/internal/rules"
	"github.com/scrypster/invoicemem/pkg/types"
)

// run is the state of one invoice moving through the phases.
type run struct {
	p        *Pipeline
	inv      *types.Invoice
	id       string
	decision *types.HumanDecision

	phase types.Phase
	trail []types.AuditEntry

	recalled     rules.Recalled
	dup          types.DuplicateCheck
	skipLearning bool
	proposals    []types.ProposedCorrection
	norm         *types.NormalizedInvoice
	score        float64
	review       bool
	updates      []types.MemoryUpdate
}

func (r *run) enter(next types.Phase) error {
	if !types.IsValidPhaseTransition(r.phase, next) {
		return fmt.Errorf("engine: invalid phase transition %q -> %q", r.phase, next)
	}
	r.phase = next
	return nil
}

func (r *run) note(format string, args ...interface{}) {
	r.trail = append(r.trail, types.AuditEntry{
		Step:      r.phase,
		Timestamp: r.p.now(),
		Details:   fmt.Sprintf(format, args...),
	})
}

func (r *run) execute() (*types.DecisionOutput, error) {
	steps := []struct {
		phase types.Phase
		fn    func() error
	}{
		{types.PhaseRecall, r.recall},
		{types.PhaseApply, r.apply},
		{types.PhaseDecide, r.decide},
		{types.PhaseLearn, r.learn},
	}
	for _, s := range steps {
		if err := r.enter(s.phase); err != nil {
			return nil, err
		}
		if err := s.fn(); err != nil {
			return nil, err
		}
	}
	if err := r.enter(types.PhaseDone); err != nil {
		return nil, err
	}
	return r.output(), nil
}

// recall looks up the vendor, its corrections and the duplicate lineage,
// then runs the duplicate gate.
func (r *run) recall() error {
	store := r.p.store

	vendor, known := store.FindVendor(r.inv.Vendor)
	key := duplicates.VendorKey(r.inv.Vendor)
	if known {
		key = vendor.CanonicalID
	}
	r.recalled = rules.Recalled{
		Vendor:      vendor,
		VendorKey:   key,
		Corrections: store.FindCorrections(key),
	}
	r.dup = duplicates.Check(r.inv, store)

	var details string
	if known {
		details = fmt.Sprintf("Recognized vendor %q as %q (confidence %.2f); recalled %d correction memories.",
			r.inv.Vendor.Name, vendor.CanonicalName, vendor.Confidence, len(r.recalled.Corrections))
	} else {
		details = fmt.Sprintf("No memory of vendor %q; recalled %d correction memories.",
			r.inv.Vendor.Name, len(r.recalled.Corrections))
	}

	if r.dup.IsDuplicate {
		// The occurrence is recorded whatever Apply and Decide conclude.
		if _, u, changed := store.RecordDuplicate(r.inv, r.id); changed {
			r.updates = append(r.updates, u)
		}
		r.skipLearning = r.p.cfg.SkipLearningOnDuplicate
		details += " Fingerprint seen before."
	}
	r.note("%s", details)
	return nil
}

// apply runs the rule engine and writes auto-applied proposals into the
// normalized invoice.
func (r *run) apply() error {
	if strings.TrimSpace(r.inv.InvoiceNumber) == "" {
		return fmt.Errorf("engine: %w: invoice number is missing", ErrInvalidInvoice)
	}
	if _, ok := duplicates.ParseDate(r.inv.InvoiceDate); !ok {
		return fmt.Errorf("engine: %w: invoice date %q is not a date", ErrInvalidInvoice, r.inv.InvoiceDate)
	}

	r.proposals = r.p.matcher.Match(r.inv, r.recalled)
	r.norm = rules.Normalize(r.inv, r.id)

	applied := 0
	for i := range r.proposals {
		c := &r.proposals[i]
		if !c.AutoApplied {
			continue
		}
		if err := rules.ApplyToInvoice(r.norm, *c); err != nil {
			// A proposal that cannot be written goes to review instead.
			c.AutoApplied = false
			c.Reasoning = fmt.Sprintf("%s (not applied: %v)", c.Reasoning, err)
			continue
		}
		applied++
	}

	r.score = r.p.matcher.Aggregate(r.recalled, r.proposals)
	r.note("Proposed %d corrections, auto-applied %d; aggregate confidence %.2f.",
		len(r.proposals), applied, r.score)
	return nil
}

// decide turns the aggregate confidence into the review verdict.
func (r *run) decide() error {
	score := r.score
	if r.dup.IsDuplicate {
		if r.dup.IsConfirmed {
			score = confidence.Scale(score, confirmedDuplicateFactor)
		} else {
			score = confidence.Scale(score, potentialDuplicateFactor)
		}
	}

	pending := 0
	for _, c := range r.proposals {
		if !c.AutoApplied {
			pending++
		}
	}
	r.review = pending > 0 || score < r.p.cfg.HumanReviewThreshold

	var details []string
	switch {
	case pending > 0:
		details = append(details, fmt.Sprintf("%d corrections need review", pending))
	case r.review:
		details = append(details, fmt.Sprintf("confidence %.2f is below the review threshold %.2f", score, r.p.cfg.HumanReviewThreshold))
	default:
		details = append(details, fmt.Sprintf("confidence %.2f clears the review threshold", score))
	}

	if r.decision != nil {
		switch r.decision.Decision {
		case types.DecisionApproved:
			score = confidence.AtLeast(score, confidence.HumanApprovalFloor)
			r.review = false
			details = append(details, "approved by "+reviewer(r.decision))
			if applied, failed := r.applyApproved(); applied+failed > 0 {
				details = append(details, fmt.Sprintf("applied %d approved corrections", applied))
				if failed > 0 {
					details = append(details, fmt.Sprintf("%d could not be applied", failed))
				}
			}
		case types.DecisionRejected:
			r.review = true
			details = append(details, "rejected by "+reviewer(r.decision))
		}
	}

	if r.dup.IsDuplicate {
		score = confidence.Scale(score, r.p.cfg.DuplicateConfidencePenalty)
	}
	r.score = score

	verdict := "Auto-approve"
	if r.review {
		verdict = "Human review required"
	}
	r.note("%s: %s; final confidence %.2f.", verdict, strings.Join(details, "; "), r.score)
	return nil
}

// applyApproved writes the proposals that were pending review into the
// normalized invoice. Fields an auto-applied proposal already wrote are left
// alone; among pending proposals for one field the most confident wins.
func (r *run) applyApproved() (applied, failed int) {
	written := map[string]bool{}
	for _, c := range r.proposals {
		if c.AutoApplied {
			written[c.Field] = true
		}
	}

	order := make([]int, 0, len(r.proposals))
	for i, c := range r.proposals {
		if !c.AutoApplied {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(a, b int) bool {
		return r.proposals[order[a]].Confidence > r.proposals[order[b]].Confidence
	})

	for _, i := range order {
		c := &r.proposals[i]
		if written[c.Field] {
			continue
		}
		if err := rules.ApplyToInvoice(r.norm, *c); err != nil {
			c.Reasoning = fmt.Sprintf("%s (not applied: %v)", c.Reasoning, err)
			failed++
			continue
		}
		written[c.Field] = true
		c.HumanApproved = true
		applied++
	}
	return applied, failed
}

func reviewer(d *types.HumanDecision) string {
	if d.DecidedBy != "" {
		return d.DecidedBy
	}
	return "a reviewer"
}

// learn records what this invoice taught the store.
func (r *run) learn() error {
	if r.skipLearning {
		r.note("Learning skipped: the invoice is a duplicate.")
		return nil
	}

	store := r.p.store
	before := len(r.updates)

	vendor, ups := store.ObserveVendor(r.inv.Vendor, !r.review)
	r.updates = append(r.updates, ups...)

	if !r.dup.IsDuplicate {
		if _, u, changed := store.RecordDuplicate(r.inv, r.id); changed {
			r.updates = append(r.updates, u)
		}
	}

	reinforced := map[string]bool{}
	for _, c := range r.proposals {
		if !c.AutoApplied || c.Source != types.SourceCorrectionMemory || reinforced[c.MemoryID] {
			continue
		}
		reinforced[c.MemoryID] = true
		if u, ok := store.ReinforceMemory(c.MemoryID, "auto-applied on invoice "+r.id); ok {
			r.updates = append(r.updates, u)
		}
	}

	r.learnVendorShape(vendor)

	if r.decision != nil {
		r.learnDecision()
	}

	r.note("Recorded %d memory updates.", len(r.updates)-before)
	return nil
}

// learnVendorShape records field mappings for metadata keys the catalog
// knows aliases for, and merges behavior flags seen on this invoice.
func (r *run) learnVendorShape(vendor *types.VendorMemory) {
	store := r.p.store
	catalog := r.p.matcher.Catalog()

	for _, key := range r.inv.Metadata.Keys() {
		if _, ok := r.inv.Metadata.Lookup(key); !ok {
			continue
		}
		target, ok := catalog.TargetFor(key)
		if !ok {
			continue
		}
		if u, ok := store.RecordFieldMapping(vendor.ID, key, target); ok {
			r.updates = append(r.updates, u)
		}
	}

	behavior, _ := catalog.ProfileFor(vendor.CanonicalName)
	if catalog.HasVATEvidence(r.inv.Metadata.Strings()...) {
		behavior.VATIncluded = true
	}
	if behavior.DefaultCurrency == "" && vendor.Behavior.DefaultCurrency == "" {
		if cur := strings.TrimSpace(r.norm.Currency); isISOCurrency(cur) {
			behavior.DefaultCurrency = cur
		}
	}
	if u, ok := store.MergeVendorBehavior(vendor.ID, behavior); ok {
		r.updates = append(r.updates, u)
	}
}

// learnDecision stores the reviewer's verdict on the proposals that were not
// applied automatically.
func (r *run) learnDecision() {
	store := r.p.store
	entry := types.ResolutionEntry{
		Decision:  r.decision.Decision,
		DecidedAt: r.p.now(),
		DecidedBy: r.decision.DecidedBy,
		Note:      r.decision.Note,
	}

	byID := make(map[string]*types.CorrectionMemory, len(r.recalled.Corrections))
	for _, c := range r.recalled.Corrections {
		byID[c.ID] = c
	}

	linked := map[string]bool{}
	for _, c := range r.proposals {
		if c.AutoApplied {
			continue
		}
		if c.MemoryID != "" && !linked[c.MemoryID] {
			linked[c.MemoryID] = true
			_, ups := store.RecordResolution(contextHash(c.MemoryID), entry, c.MemoryID)
			r.updates = append(r.updates, ups...)
		}
		if r.decision.Decision != types.DecisionApproved {
			continue
		}

		in, ok := approvedCorrection(c, r.recalled.VendorKey, byID)
		if !ok {
			continue
		}
		_, u := store.RecordCorrection(in)
		r.updates = append(r.updates, u)
	}

	if len(linked) == 0 {
		_, ups := store.RecordResolution(contextHash(r.recalled.VendorKey), entry, "")
		r.updates = append(r.updates, ups...)
	}
}

// approvedCorrection turns an approved pending proposal into a correction
// memory input. Proposals from a correction memory re-approve that pattern;
// other proposals become vendor-scoped field corrections when the field holds
// a value that recurs across a vendor's invoices.
func approvedCorrection(c types.ProposedCorrection, vendorKey string, byID map[string]*types.CorrectionMemory) (memory.CorrectionInput, bool) {
	if c.Source == types.SourceCorrectionMemory {
		m, ok := byID[c.MemoryID]
		if !ok {
			return memory.CorrectionInput{}, false
		}
		return memory.CorrectionInput{
			Pattern:         m.Pattern,
			SuggestedAction: m.SuggestedAction,
			VendorKey:       m.VendorKey,
			HumanApproved:   true,
		}, true
	}

	if !recurringField(c.Field) || vendorKey == "" {
		return memory.CorrectionInput{}, false
	}
	return memory.CorrectionInput{
		Pattern: types.CorrectionPattern{
			Type:      types.PatternFieldCorrection,
			Signature: vendorKey + ":" + c.Field,
			Condition: c.Field,
		},
		SuggestedAction: c.ProposedValue,
		VendorKey:       vendorKey,
		HumanApproved:   true,
	}, true
}

// recurringField reports whether a field's value is expected to repeat on a
// vendor's invoices. Dates, numbers, amounts and line items are per-invoice.
func recurringField(field string) bool {
	switch field {
	case rules.FieldInvoiceDate, rules.FieldDueDate, rules.FieldInvoiceNumber,
		rules.FieldNetAmount, rules.FieldTaxAmount:
		return false
	}
	return !strings.HasPrefix(field, "lineItems[")
}

func isISOCurrency(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, c := range s {
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}

func (r *run) output() *types.DecisionOutput {
	surfaced := make([]types.ProposedCorrection, 0, len(r.proposals))
	for _, c := range r.proposals {
		if r.review || c.AutoApplied || c.HumanApproved {
			surfaced = append(surfaced, c)
		}
	}

	updates := r.updates
	if updates == nil {
		updates = []types.MemoryUpdate{}
	}

	return &types.DecisionOutput{
		InvoiceID:           r.id,
		NormalizedInvoice:   r.norm,
		ProposedCorrections: surfaced,
		RequiresHumanReview: r.review,
		Reasoning:           reasoning(r.trail, r.dup),
		ConfidenceScore:     r.score,
		MemoryUpdates:       updates,
		AuditTrail:          r.trail,
		Duplicate:           r.dup,
	}
}
