package rules_test

import (
	"errors"
	"math"
	"testing"

	"github.com/scrypster/invoicemem/internal/confidence"
	"github.com/scrypster/invoicemem/internal/config"
	"github.com/scrypster/invoicemem/internal/rules"
	"github.com/scrypster/invoicemem/pkg/types"
)

func newMatcher() *rules.Matcher {
	return rules.NewMatcher(confidence.Default(), config.DefaultCatalog(), config.DefaultPipelineConfig())
}

func baseInvoice() *types.Invoice {
	return &types.Invoice{
		Vendor:        types.Vendor{Name: "Supplier GmbH", ID: "V-100"},
		InvoiceNumber: "INV-2024-001",
		InvoiceDate:   "2024-01-15",
		TotalAmount:   1190,
		Currency:      "EUR",
		LineItems:     []types.LineItem{{SKU: "WIDGET-1", Description: "Widget", Quantity: 10, UnitPrice: 100, Total: 1000}},
	}
}

func vendorMemory(conf float64) *types.VendorMemory {
	return &types.VendorMemory{
		MemoryRecord:  types.MemoryRecord{ID: "vendor-1", Type: types.MemoryTypeVendor, Confidence: conf, IsActive: true, ReinforcementCount: 5},
		CanonicalID:   "v100",
		CanonicalName: "Supplier GmbH",
		NameVariants:  []string{"Supplier GmbH"},
	}
}

func correction(id string, pt types.PatternType, signature, condition, action string, conf float64, reinforcements int) *types.CorrectionMemory {
	return &types.CorrectionMemory{
		MemoryRecord:    types.MemoryRecord{ID: id, Type: types.MemoryTypeCorrection, Confidence: conf, ReinforcementCount: reinforcements, IsActive: true},
		Pattern:         types.CorrectionPattern{Type: pt, Signature: signature, Condition: condition},
		SuggestedAction: action,
		VendorKey:       "v100",
	}
}

func TestVendorRenameAutoAppliedAboveThreshold(t *testing.T) {
	m := newMatcher()
	inv := baseInvoice()
	inv.Vendor.Name = "SUPPLIER GMBH LTD"

	tests := []struct {
		name string
		conf float64
		auto bool
	}{
		{"trusted", 0.9, true},
		{"at_threshold", 0.85, true},
		{"below_threshold", 0.6, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.Match(inv, rules.Recalled{Vendor: vendorMemory(tt.conf), VendorKey: "v100"})
			if len(got) != 1 {
				t.Fatalf("expected one proposal, got %+v", got)
			}
			p := got[0]
			if p.Field != rules.FieldVendorName || p.ProposedValue != "Supplier GmbH" || p.OriginalValue != "SUPPLIER GMBH LTD" {
				t.Errorf("unexpected proposal: %+v", p)
			}
			if p.AutoApplied != tt.auto {
				t.Errorf("AutoApplied: got %v, want %v", p.AutoApplied, tt.auto)
			}
			if p.Source != types.SourceVendorMemory || p.MemoryID != "vendor-1" {
				t.Errorf("unexpected provenance: %+v", p)
			}
		})
	}
}

func TestVendorFieldMappingOnlyFillsUnsetTargets(t *testing.T) {
	m := newMatcher()
	vm := vendorMemory(0.9)
	vm.FieldMappings = []types.FieldMapping{
		{SourceField: "Leistungsdatum", TargetField: "serviceDate", Confidence: 0.9, Occurrences: 4},
		{SourceField: "Bestellnummer", TargetField: rules.FieldPONumber, Confidence: 0.9, Occurrences: 4},
		{SourceField: "Lieferschein", TargetField: "deliveryNote", Confidence: 0.4, Occurrences: 1},
	}

	inv := baseInvoice()
	inv.PONumber = "PO-1" // already set
	inv.Metadata = types.NewMetadata(
		"Leistungsdatum", "01.01.2024",
		"Bestellnummer", "PO-999",
		"Lieferschein", "", // empty counts as absent
	)

	got := m.Match(inv, rules.Recalled{Vendor: vm, VendorKey: "v100"})
	if len(got) != 1 {
		t.Fatalf("expected only the service date mapping, got %+v", got)
	}
	if got[0].Field != "serviceDate" || got[0].ProposedValue != "01.01.2024" || !got[0].AutoApplied {
		t.Errorf("unexpected proposal: %+v", got[0])
	}
}

func TestVendorBehaviorDefaults(t *testing.T) {
	m := newMatcher()
	vm := vendorMemory(0.7)
	vm.Behavior = types.VendorBehavior{DefaultCurrency: "EUR", PaymentTermDays: 10}

	inv := baseInvoice()
	inv.Currency = ""

	got := m.Match(inv, rules.Recalled{Vendor: vm, VendorKey: "v100"})
	if len(got) != 2 {
		t.Fatalf("expected currency and due date, got %+v", got)
	}
	if got[0].Field != rules.FieldCurrency || got[0].ProposedValue != "EUR" {
		t.Errorf("unexpected currency proposal: %+v", got[0])
	}
	if got[1].Field != rules.FieldDueDate || got[1].ProposedValue != "2024-01-25" {
		t.Errorf("unexpected due date proposal: %+v", got[1])
	}
}

func TestFieldCorrectionRequiresVendorSignature(t *testing.T) {
	m := newMatcher()
	inv := baseInvoice()

	own := correction("c1", types.PatternFieldCorrection, "v100:poNumber", rules.FieldPONumber, "PO-STANDING", 0.9, 3)
	foreign := correction("c2", types.PatternFieldCorrection, "other:poNumber", rules.FieldPONumber, "PO-X", 0.9, 3)

	got := m.Match(inv, rules.Recalled{VendorKey: "v100", Corrections: []*types.CorrectionMemory{own, foreign}})
	if len(got) != 1 || got[0].MemoryID != "c1" {
		t.Fatalf("expected only the vendor's own correction, got %+v", got)
	}
	if !got[0].AutoApplied {
		t.Error("a confident, reinforced correction must auto-apply")
	}
	if got[0].Source != types.SourceCorrectionMemory {
		t.Errorf("Source: got %s", got[0].Source)
	}
}

func TestFieldCorrectionMatchesWholeVendorKey(t *testing.T) {
	m := newMatcher()
	longer := correction("c1", types.PatternFieldCorrection, "v1000:poNumber", rules.FieldPONumber, "PO-X", 0.9, 3)
	embedded := correction("c2", types.PatternFieldCorrection, "xv100:poNumber", rules.FieldPONumber, "PO-Y", 0.9, 3)

	got := m.Match(baseInvoice(), rules.Recalled{VendorKey: "v100", Corrections: []*types.CorrectionMemory{longer, embedded}})
	for _, c := range got {
		if c.Source == types.SourceCorrectionMemory {
			t.Errorf("signature of another vendor matched: %+v", c)
		}
	}
}

func TestCorrectionNeedsTrustToAutoApply(t *testing.T) {
	m := newMatcher()
	c := correction("c1", types.PatternFieldCorrection, "v100:poNumber", rules.FieldPONumber, "PO-1", 0.9, 0)

	got := m.Match(baseInvoice(), rules.Recalled{VendorKey: "v100", Corrections: []*types.CorrectionMemory{c}})
	if len(got) != 1 || got[0].AutoApplied {
		t.Fatalf("an unreinforced, unapproved correction must stay pending: %+v", got)
	}

	c.HumanApproved = true
	got = m.Match(baseInvoice(), rules.Recalled{VendorKey: "v100", Corrections: []*types.CorrectionMemory{c}})
	if !got[0].AutoApplied {
		t.Error("human approval must make the correction trusted")
	}
}

func TestTaxRecomputationNeedsVATEvidence(t *testing.T) {
	m := newMatcher()
	c := correction("tax", types.PatternTaxRecomputation, "v100:tax", "", "recompute", 0.7, 1)
	rec := rules.Recalled{VendorKey: "v100", Corrections: []*types.CorrectionMemory{c}}

	inv := baseInvoice()
	got := m.Match(inv, rec)
	for _, p := range got {
		if p.Source == types.SourceCorrectionMemory {
			t.Fatalf("no VAT evidence, expected the pattern to be excluded: %+v", p)
		}
	}

	inv.Metadata = types.NewMetadata("note", "Preise inkl. MwSt.")
	got = m.Match(inv, rec)
	if len(got) != 2 {
		t.Fatalf("expected net and tax proposals, got %+v", got)
	}
	if got[0].Field != rules.FieldNetAmount || got[0].ProposedValue != "1000" {
		t.Errorf("net: %+v", got[0])
	}
	if got[1].Field != rules.FieldTaxAmount || got[1].ProposedValue != "190" {
		t.Errorf("tax: %+v", got[1])
	}
}

func TestQuantityMismatch(t *testing.T) {
	m := newMatcher()
	c := correction("qty", types.PatternQuantityMismatch, "v100:qty", "deliveredQuantity", "", 0.7, 1)
	rec := rules.Recalled{VendorKey: "v100", Corrections: []*types.CorrectionMemory{c}}

	inv := baseInvoice()
	inv.Metadata = types.NewMetadata("deliveredQuantity", 8)

	got := m.Match(inv, rec)
	if len(got) != 1 {
		t.Fatalf("expected one quantity proposal, got %+v", got)
	}
	if got[0].Field != "lineItems[0].quantity" || got[0].OriginalValue != "10" || got[0].ProposedValue != "8" {
		t.Errorf("unexpected proposal: %+v", got[0])
	}

	noQty := baseInvoice()
	noQty.LineItems[0].Quantity = 0
	noQty.Metadata = inv.Metadata
	for _, p := range m.Match(noQty, rec) {
		if p.Source == types.SourceCorrectionMemory {
			t.Fatalf("line items without quantities must exclude the pattern: %+v", p)
		}
	}
}

func TestInactiveCorrectionsAreIgnored(t *testing.T) {
	m := newMatcher()
	c := correction("c1", types.PatternFieldCorrection, "v100:poNumber", rules.FieldPONumber, "PO-1", 0.9, 3)
	c.IsActive = false

	for _, p := range m.Match(baseInvoice(), rules.Recalled{VendorKey: "v100", Corrections: []*types.CorrectionMemory{c}}) {
		if p.MemoryID == "c1" {
			t.Fatal("inactive correction produced a proposal")
		}
	}
}

func TestEmissionOrder(t *testing.T) {
	m := newMatcher()
	inv := baseInvoice()
	inv.Vendor.Name = "Supplier"
	vm := vendorMemory(0.9)
	c := correction("c1", types.PatternFieldCorrection, "v100:poNumber", rules.FieldPONumber, "PO-1", 0.9, 3)

	got := m.Match(inv, rules.Recalled{Vendor: vm, VendorKey: "v100", Corrections: []*types.CorrectionMemory{c}})
	if len(got) != 2 || got[0].Source != types.SourceVendorMemory || got[1].Source != types.SourceCorrectionMemory {
		t.Fatalf("expected vendor rules before correction rules, got %+v", got)
	}
}

func TestHeuristicsOnlyWithoutMemoryOutput(t *testing.T) {
	m := newMatcher()
	inv := baseInvoice()
	inv.InvoiceDate = "15.01.2024"
	inv.Currency = ""
	inv.Metadata = types.NewMetadata("footer", "Total 1.190,00 €")
	inv.LineItems = append(inv.LineItems, types.LineItem{Description: "Seefracht Hamburg"})

	got := m.Match(inv, rules.Recalled{VendorKey: "v100"})
	if len(got) != 3 {
		t.Fatalf("expected currency, date and sku heuristics, got %+v", got)
	}
	want := []struct {
		field, value string
		conf         float64
	}{
		{rules.FieldCurrency, "EUR", 0.6},
		{rules.FieldInvoiceDate, "2024-01-15", 0.7},
		{"lineItems[1].sku", "FREIGHT", 0.5},
	}
	for i, w := range want {
		if got[i].Field != w.field || got[i].ProposedValue != w.value || got[i].Confidence != w.conf {
			t.Errorf("heuristic %d: got %+v, want %+v", i, got[i], w)
		}
		if got[i].Source != types.SourceHeuristic || got[i].AutoApplied {
			t.Errorf("heuristic %d must be a pending heuristic: %+v", i, got[i])
		}
	}

	// A vendor rule suppresses the fallbacks.
	vm := vendorMemory(0.9)
	vm.CanonicalName = "Supplier GmbH & Co"
	got = m.Match(inv, rules.Recalled{Vendor: vm, VendorKey: "v100"})
	for _, p := range got {
		if p.Source == types.SourceHeuristic {
			t.Fatalf("heuristics must not run when memory produced output: %+v", got)
		}
	}
}

func TestCurrencyHeuristicNormalizesCodes(t *testing.T) {
	m := newMatcher()
	for raw, want := range map[string]string{"eur": "EUR", "€": "EUR", "US$": "USD"} {
		inv := baseInvoice()
		inv.Currency = raw
		got := m.Match(inv, rules.Recalled{})
		if len(got) != 1 || got[0].ProposedValue != want {
			t.Errorf("currency %q: got %+v, want %s", raw, got, want)
		}
	}
}

func TestAggregate(t *testing.T) {
	m := newMatcher()

	if got := m.Aggregate(rules.Recalled{}, nil); got != 0.5 {
		t.Errorf("unknown vendor without corrections: got %f, want 0.5", got)
	}

	vm := vendorMemory(0.9)
	if got := m.Aggregate(rules.Recalled{Vendor: vm}, nil); got != 0.9 {
		t.Errorf("vendor only: got %f, want 0.9", got)
	}

	c := correction("c1", types.PatternFieldCorrection, "v100:x", "x", "y", 0.4, 1)
	proposals := []types.ProposedCorrection{
		{Source: types.SourceCorrectionMemory, MemoryID: "c1"},
		{Source: types.SourceCorrectionMemory, MemoryID: "c1"}, // counted once
		{Source: types.SourceHeuristic},
	}
	got := m.Aggregate(rules.Recalled{Vendor: vm, Corrections: []*types.CorrectionMemory{c}}, proposals)
	if want := 0.9*0.6 + 0.4*0.4; math.Abs(got-want) > 1e-9 {
		t.Errorf("vendor + correction: got %f, want %f", got, want)
	}
}

func TestApplyToInvoice(t *testing.T) {
	norm := rules.Normalize(baseInvoice(), "inv-1")

	apply := []types.ProposedCorrection{
		{Field: rules.FieldVendorName, ProposedValue: "Supplier GmbH & Co"},
		{Field: rules.FieldCurrency, ProposedValue: "CHF"},
		{Field: rules.FieldNetAmount, ProposedValue: "1000"},
		{Field: "lineItems[0].quantity", ProposedValue: "8"},
		{Field: "serviceDate", ProposedValue: "2024-01-01"},
	}
	for _, c := range apply {
		if err := rules.ApplyToInvoice(norm, c); err != nil {
			t.Fatalf("ApplyToInvoice(%s): %v", c.Field, err)
		}
	}

	if norm.Vendor.Name != "Supplier GmbH & Co" || norm.Currency != "CHF" {
		t.Errorf("scalar fields not applied: %+v", norm)
	}
	if norm.NetAmount == nil || *norm.NetAmount != 1000 {
		t.Errorf("NetAmount: %v", norm.NetAmount)
	}
	if item := norm.LineItems[0]; item.Quantity != 8 || item.Total != 800 {
		t.Errorf("line item: %+v", item)
	}
	if norm.Extra["serviceDate"] != "2024-01-01" {
		t.Errorf("Extra: %+v", norm.Extra)
	}

	bad := []types.ProposedCorrection{
		{Field: rules.FieldTaxAmount, ProposedValue: "lots"},
		{Field: "lineItems[7].quantity", ProposedValue: "1"},
		{Field: "", ProposedValue: "x"},
	}
	for _, c := range bad {
		if err := rules.ApplyToInvoice(norm, c); !errors.Is(err, rules.ErrInvalidCorrection) {
			t.Errorf("ApplyToInvoice(%q): got %v, want ErrInvalidCorrection", c.Field, err)
		}
	}
}

func TestNormalizeDoesNotAliasInput(t *testing.T) {
	inv := baseInvoice()
	norm := rules.Normalize(inv, "inv-1")
	norm.LineItems[0].Quantity = 99

	if inv.LineItems[0].Quantity != 10 {
		t.Error("normalized invoice shares line items with the input")
	}
}
