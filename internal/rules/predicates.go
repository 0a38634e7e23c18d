package rules

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/scrypster/invoicemem/pkg/types"
)

type change struct {
	field    string
	original string
	proposed string
}

type evaluation struct {
	changes   []change
	reasoning string
}

// evaluate checks the applicability predicate of c's pattern type against
// inv and, when it holds, returns the concrete changes. Patterns whose
// predicate fails, or that would change nothing, report false.
func (m *Matcher) evaluate(inv *types.Invoice, vendorKey string, c *types.CorrectionMemory) (evaluation, bool) {
	var ev evaluation
	switch c.Pattern.Type {
	case types.PatternFieldCorrection:
		ev = fieldCorrection(inv, vendorKey, c)
	case types.PatternTaxRecomputation:
		ev = m.taxRecomputation(inv, c)
	case types.PatternQuantityMismatch:
		ev = quantityMismatch(inv, c)
	}
	return ev, len(ev.changes) > 0
}

// fieldCorrection applies when the pattern signature is scoped to the
// invoice's vendor ("vendorKey:field"). Condition names the field,
// SuggestedAction the value.
func fieldCorrection(inv *types.Invoice, vendorKey string, c *types.CorrectionMemory) evaluation {
	if vendorKey == "" || !strings.HasPrefix(strings.ToLower(c.Pattern.Signature), vendorKey+":") {
		return evaluation{}
	}
	field := strings.TrimSpace(c.Pattern.Condition)
	if field == "" || c.SuggestedAction == "" {
		return evaluation{}
	}

	current, _ := currentValue(inv, field)
	if current == c.SuggestedAction {
		return evaluation{}
	}
	return evaluation{
		changes: []change{{field: field, original: current, proposed: c.SuggestedAction}},
		reasoning: fmt.Sprintf("%s was corrected to %q on earlier invoices from this vendor (%d confirmations)",
			field, c.SuggestedAction, c.ReinforcementCount),
	}
}

// taxRecomputation applies when the invoice text says prices include VAT.
// Condition carries the VAT rate; the catalog default is used when empty.
func (m *Matcher) taxRecomputation(inv *types.Invoice, c *types.CorrectionMemory) evaluation {
	if !m.catalog.HasVATEvidence(invoiceTexts(inv)...) {
		return evaluation{}
	}

	rate := m.catalog.DefaultVATRate
	if r, err := strconv.ParseFloat(strings.TrimSpace(c.Pattern.Condition), 64); err == nil && r > 0 && r < 1 {
		rate = r
	}

	net := round2(inv.TotalAmount / (1 + rate))
	tax := round2(inv.TotalAmount - net)
	netValue, _ := currentValue(inv, FieldNetAmount)
	taxValue, _ := currentValue(inv, FieldTaxAmount)
	return evaluation{
		changes: []change{
			{field: FieldNetAmount, original: netValue, proposed: formatNumber(net)},
			{field: FieldTaxAmount, original: taxValue, proposed: formatNumber(tax)},
		},
		reasoning: fmt.Sprintf("total %.2f includes %.0f%% VAT", inv.TotalAmount, rate*100),
	}
}

// quantityMismatch applies when at least one line item carries a quantity.
// Condition names the metadata key holding the reference quantity; the
// suggested action is used when that key is absent.
func quantityMismatch(inv *types.Invoice, c *types.CorrectionMemory) evaluation {
	first := -1
	for i, item := range inv.LineItems {
		if item.Quantity > 0 {
			first = i
			break
		}
	}
	if first < 0 {
		return evaluation{}
	}

	raw, ok := inv.Metadata.Lookup(c.Pattern.Condition)
	source := c.Pattern.Condition
	if !ok {
		raw, source = c.SuggestedAction, "the learned reference"
	}
	ref, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || ref <= 0 {
		return evaluation{}
	}

	for i := first; i < len(inv.LineItems); i++ {
		q := inv.LineItems[i].Quantity
		if q <= 0 || q == ref {
			continue
		}
		return evaluation{
			changes: []change{{
				field:    LineItemField(i, "quantity"),
				original: formatNumber(q),
				proposed: formatNumber(ref),
			}},
			reasoning: fmt.Sprintf("line %d quantity %s differs from %s (%s)", i+1, formatNumber(q), source, formatNumber(ref)),
		}
	}
	return evaluation{}
}

// invoiceTexts returns the free text of inv searched for textual evidence.
func invoiceTexts(inv *types.Invoice) []string {
	texts := inv.Metadata.Strings()
	for _, item := range inv.LineItems {
		if item.Description != "" {
			texts = append(texts, item.Description)
		}
	}
	return texts
}
