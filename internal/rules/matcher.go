// Package rules turns recalled memories into proposed field corrections.
//
// Proposals are emitted in three groups, always in this order: vendor rules,
// correction-memory rules, heuristics. Proposals are never deduplicated across
// groups; conflicting proposals for one field are left for a reviewer.
package rules

import (
	"fmt"
	"strings"

	"github.com/scrypster/invoicemem/internal/confidence"
	"github.com/scrypster/invoicemem/internal/config"
	"github.com/scrypster/invoicemem/internal/duplicates"
	"github.com/scrypster/invoicemem/pkg/types"
)

// Recalled is what the recall phase found for one invoice.
type Recalled struct {
	// Vendor is nil when the vendor is unknown.
	Vendor *types.VendorMemory

	// VendorKey scopes correction memories: the vendor memory's canonical id,
	// or the invoice's own vendor key when the vendor is unknown.
	VendorKey string

	Corrections []*types.CorrectionMemory
}

// Matcher applies vendor rules, correction-memory rules and heuristics.
type Matcher struct {
	engine             *confidence.Engine
	catalog            *config.Catalog
	autoApplyThreshold float64
}

// NewMatcher returns a matcher. A nil catalog uses the embedded default.
func NewMatcher(engine *confidence.Engine, catalog *config.Catalog, cfg config.PipelineConfig) *Matcher {
	if engine == nil {
		engine = confidence.New(cfg)
	}
	if catalog == nil {
		catalog = config.DefaultCatalog()
	}
	return &Matcher{
		engine:             engine,
		catalog:            catalog,
		autoApplyThreshold: cfg.AutoApplyThreshold,
	}
}

// Catalog returns the rule catalog in use.
func (m *Matcher) Catalog() *config.Catalog {
	return m.catalog
}

// Match returns the proposed corrections for inv.
func (m *Matcher) Match(inv *types.Invoice, rec Recalled) []types.ProposedCorrection {
	var out []types.ProposedCorrection
	if rec.Vendor != nil {
		out = append(out, m.vendorRules(inv, rec.Vendor)...)
	}
	for _, c := range rec.Corrections {
		if !c.IsActive {
			continue
		}
		out = append(out, m.correctionRules(inv, rec.VendorKey, c)...)
	}

	if len(out) == 0 {
		out = append(out, m.heuristics(inv)...)
	}
	return out
}

// Aggregate computes the invoice-level confidence from the recalled vendor
// and the correction memories that produced proposals.
func (m *Matcher) Aggregate(rec Recalled, proposals []types.ProposedCorrection) float64 {
	vendorConf := confidence.UnknownVendorBase
	if rec.Vendor != nil {
		vendorConf = m.engine.Weighted(rec.Vendor.Confidence, rec.Vendor.ReinforcementCount, rec.Vendor.ContradictionCount)
	}

	byID := make(map[string]*types.CorrectionMemory, len(rec.Corrections))
	for _, c := range rec.Corrections {
		byID[c.ID] = c
	}

	seen := map[string]bool{}
	var correctionConfs []float64
	for _, p := range proposals {
		if p.Source != types.SourceCorrectionMemory || seen[p.MemoryID] {
			continue
		}
		c, ok := byID[p.MemoryID]
		if !ok {
			continue
		}
		seen[p.MemoryID] = true
		correctionConfs = append(correctionConfs, m.engine.Weighted(c.Confidence, c.ReinforcementCount, c.ContradictionCount))
	}
	return confidence.Aggregate(vendorConf, correctionConfs)
}

func (m *Matcher) autoApply(c float64) bool {
	return c >= m.autoApplyThreshold
}

// vendorRules proposes the canonical name, mapped metadata fields, and
// behavior-derived defaults.
func (m *Matcher) vendorRules(inv *types.Invoice, v *types.VendorMemory) []types.ProposedCorrection {
	var out []types.ProposedCorrection
	propose := func(field, original, proposed string, conf float64, reasoning string) {
		out = append(out, types.ProposedCorrection{
			Field:         field,
			OriginalValue: original,
			ProposedValue: proposed,
			Confidence:    conf,
			Reasoning:     reasoning,
			Source:        types.SourceVendorMemory,
			MemoryID:      v.ID,
			AutoApplied:   m.autoApply(conf),
		})
	}

	observed := strings.TrimSpace(inv.Vendor.Name)
	if v.CanonicalName != "" && v.CanonicalName != observed {
		propose(FieldVendorName, inv.Vendor.Name, v.CanonicalName, v.Confidence,
			fmt.Sprintf("vendor %q is known as %q", observed, v.CanonicalName))
	}

	for _, fm := range v.FieldMappings {
		value, ok := inv.Metadata.Lookup(fm.SourceField)
		if !ok {
			continue
		}
		if _, set := currentValue(inv, fm.TargetField); set {
			continue
		}
		propose(fm.TargetField, "", value, fm.Confidence,
			fmt.Sprintf("%s maps %q to %s (seen %d times)", v.CanonicalName, fm.SourceField, fm.TargetField, fm.Occurrences))
	}

	if cur := v.Behavior.DefaultCurrency; cur != "" && strings.TrimSpace(inv.Currency) == "" {
		propose(FieldCurrency, "", cur, v.Confidence,
			fmt.Sprintf("%s invoices in %s", v.CanonicalName, cur))
	}

	if days := v.Behavior.PaymentTermDays; days > 0 && strings.TrimSpace(inv.DueDate) == "" {
		if issued, ok := duplicates.ParseDate(inv.InvoiceDate); ok {
			due := issued.AddDate(0, 0, days).Format(isoDate)
			propose(FieldDueDate, "", due, v.Confidence,
				fmt.Sprintf("%s payment terms are %d days", v.CanonicalName, days))
		}
	}
	return out
}

const isoDate = "2006-01-02"

// correctionRules proposes the changes of one applicable correction memory.
func (m *Matcher) correctionRules(inv *types.Invoice, vendorKey string, c *types.CorrectionMemory) []types.ProposedCorrection {
	ev, ok := m.evaluate(inv, vendorKey, c)
	if !ok {
		return nil
	}

	auto := m.autoApply(c.Confidence) && m.engine.Trusted(c.ReinforcementCount, c.HumanApproved)
	out := make([]types.ProposedCorrection, 0, len(ev.changes))
	for _, ch := range ev.changes {
		out = append(out, types.ProposedCorrection{
			Field:         ch.field,
			OriginalValue: ch.original,
			ProposedValue: ch.proposed,
			Confidence:    c.Confidence,
			Reasoning:     ev.reasoning,
			Source:        types.SourceCorrectionMemory,
			MemoryID:      c.ID,
			AutoApplied:   auto,
		})
	}
	return out
}

// heuristics runs the memory-independent fallbacks.
func (m *Matcher) heuristics(inv *types.Invoice) []types.ProposedCorrection {
	var out []types.ProposedCorrection
	out = append(out, m.currencyHeuristic(inv)...)
	out = append(out, dateHeuristic(inv)...)
	out = append(out, m.skuHeuristic(inv)...)
	for i := range out {
		out[i].Source = types.SourceHeuristic
		out[i].AutoApplied = m.autoApply(out[i].Confidence)
	}
	return out
}
