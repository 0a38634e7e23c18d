package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/scrypster/invoicemem/internal/duplicates"
	"github.com/scrypster/invoicemem/pkg/types"
)

// Fixed heuristic confidences. They sit below the default auto-apply
// threshold, so heuristic proposals always go to review.
const (
	currencyConfidence = 0.6
	dateConfidence     = 0.7
	skuConfidence      = 0.5
)

var isoCurrency = regexp.MustCompile(`^[A-Z]{3}$`)

// currencyHeuristic fills a missing currency from markers in the invoice
// text, or normalizes a symbol or lower-case code to its ISO code.
func (m *Matcher) currencyHeuristic(inv *types.Invoice) []types.ProposedCorrection {
	current := strings.TrimSpace(inv.Currency)
	if isoCurrency.MatchString(current) {
		return nil
	}

	if current != "" {
		code, ok := m.catalog.CurrencyIn(current)
		if !ok {
			code, ok = strings.ToUpper(current), isoCurrency.MatchString(strings.ToUpper(current))
		}
		if !ok || code == current {
			return nil
		}
		return []types.ProposedCorrection{{
			Field:         FieldCurrency,
			OriginalValue: inv.Currency,
			ProposedValue: code,
			Confidence:    currencyConfidence,
			Reasoning:     fmt.Sprintf("currency %q normalized to ISO code %s", current, code),
		}}
	}

	for _, text := range invoiceTexts(inv) {
		if code, ok := m.catalog.CurrencyIn(text); ok {
			return []types.ProposedCorrection{{
				Field:         FieldCurrency,
				ProposedValue: code,
				Confidence:    currencyConfidence,
				Reasoning:     fmt.Sprintf("currency %s found in invoice text", code),
			}}
		}
	}
	return nil
}

// dateHeuristic rewrites parseable non-ISO dates to YYYY-MM-DD.
func dateHeuristic(inv *types.Invoice) []types.ProposedCorrection {
	var out []types.ProposedCorrection
	for _, f := range []struct{ field, value string }{
		{FieldInvoiceDate, inv.InvoiceDate},
		{FieldDueDate, inv.DueDate},
	} {
		raw := strings.TrimSpace(f.value)
		t, ok := duplicates.ParseDate(raw)
		if !ok {
			continue
		}
		iso := t.Format(isoDate)
		if iso == raw {
			continue
		}
		out = append(out, types.ProposedCorrection{
			Field:         f.field,
			OriginalValue: f.value,
			ProposedValue: iso,
			Confidence:    dateConfidence,
			Reasoning:     fmt.Sprintf("%s %q normalized to ISO-8601", f.field, raw),
		})
	}
	return out
}

// skuHeuristic suggests SKUs for line items without one from catalog hints.
func (m *Matcher) skuHeuristic(inv *types.Invoice) []types.ProposedCorrection {
	var out []types.ProposedCorrection
	for i, item := range inv.LineItems {
		if strings.TrimSpace(item.SKU) != "" {
			continue
		}
		sku, ok := m.catalog.SuggestSKU(item.Description)
		if !ok {
			continue
		}
		out = append(out, types.ProposedCorrection{
			Field:         LineItemField(i, "sku"),
			ProposedValue: sku,
			Confidence:    skuConfidence,
			Reasoning:     fmt.Sprintf("line %d %q looks like %s", i+1, item.Description, sku),
		})
	}
	return out
}
