package rules

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/scrypster/invoicemem/pkg/types"
)

// Field names used in proposed corrections. Fields without a dedicated slot
// on the normalized invoice are written to its Extra map.
const (
	FieldVendorName    = "vendor.name"
	FieldInvoiceDate   = "invoiceDate"
	FieldDueDate       = "dueDate"
	FieldInvoiceNumber = "invoiceNumber"
	FieldCurrency      = "currency"
	FieldPONumber      = "poNumber"
	FieldNetAmount     = "netAmount"
	FieldTaxAmount     = "taxAmount"
)

// ErrInvalidCorrection is returned when a correction cannot be written into
// a normalized invoice.
var ErrInvalidCorrection = errors.New("invalid correction")

var lineItemField = regexp.MustCompile(`^lineItems\[(\d+)\]\.(quantity|sku|description)$`)

// LineItemField returns the field name addressing attr of line item i.
func LineItemField(i int, attr string) string {
	return fmt.Sprintf("lineItems[%d].%s", i, attr)
}

// Normalize copies inv into a normalized invoice with no corrections applied.
func Normalize(inv *types.Invoice, id string) *types.NormalizedInvoice {
	return &types.NormalizedInvoice{
		ID:            id,
		Vendor:        inv.Vendor,
		InvoiceDate:   inv.InvoiceDate,
		DueDate:       inv.DueDate,
		InvoiceNumber: inv.InvoiceNumber,
		TotalAmount:   inv.TotalAmount,
		Currency:      inv.Currency,
		LineItems:     append([]types.LineItem(nil), inv.LineItems...),
		PONumber:      inv.PONumber,
		Metadata:      inv.Metadata.Clone(),
		Extra:         map[string]string{},
	}
}

// currentValue returns the value of field on inv and whether it is set.
func currentValue(inv *types.Invoice, field string) (string, bool) {
	var v string
	switch field {
	case FieldVendorName:
		v = inv.Vendor.Name
	case FieldInvoiceDate:
		v = inv.InvoiceDate
	case FieldDueDate:
		v = inv.DueDate
	case FieldInvoiceNumber:
		v = inv.InvoiceNumber
	case FieldCurrency:
		v = inv.Currency
	case FieldPONumber:
		v = inv.PONumber
	default:
		if m := lineItemField.FindStringSubmatch(field); m != nil {
			i, _ := strconv.Atoi(m[1])
			if i >= len(inv.LineItems) {
				return "", false
			}
			item := inv.LineItems[i]
			switch m[2] {
			case "quantity":
				if item.Quantity == 0 {
					return "", false
				}
				v = formatNumber(item.Quantity)
			case "sku":
				v = item.SKU
			case "description":
				v = item.Description
			}
		} else {
			// No dedicated slot: the field is set only if the extractor put it
			// into metadata under its normalized name.
			v, _ = inv.Metadata.Lookup(field)
		}
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

// ApplyToInvoice writes the proposed value of c into norm.
func ApplyToInvoice(norm *types.NormalizedInvoice, c types.ProposedCorrection) error {
	value := c.ProposedValue
	switch c.Field {
	case FieldVendorName:
		norm.Vendor.Name = value
	case FieldInvoiceDate:
		norm.InvoiceDate = value
	case FieldDueDate:
		norm.DueDate = value
	case FieldInvoiceNumber:
		norm.InvoiceNumber = value
	case FieldCurrency:
		norm.Currency = value
	case FieldPONumber:
		norm.PONumber = value
	case FieldNetAmount, FieldTaxAmount:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a number", ErrInvalidCorrection, c.Field, value)
		}
		if c.Field == FieldNetAmount {
			norm.NetAmount = &f
		} else {
			norm.TaxAmount = &f
		}
	default:
		if m := lineItemField.FindStringSubmatch(c.Field); m != nil {
			return applyLineItem(norm, m[1], m[2], value)
		}
		if c.Field == "" {
			return fmt.Errorf("%w: empty field", ErrInvalidCorrection)
		}
		if norm.Extra == nil {
			norm.Extra = map[string]string{}
		}
		norm.Extra[c.Field] = value
	}
	return nil
}

func applyLineItem(norm *types.NormalizedInvoice, index, attr, value string) error {
	i, err := strconv.Atoi(index)
	if err != nil || i < 0 || i >= len(norm.LineItems) {
		return fmt.Errorf("%w: line item %s out of range", ErrInvalidCorrection, index)
	}
	item := &norm.LineItems[i]
	switch attr {
	case "quantity":
		q, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("%w: quantity %q is not a number", ErrInvalidCorrection, value)
		}
		item.Quantity = q
		if item.UnitPrice != 0 {
			item.Total = round2(q * item.UnitPrice)
		}
	case "sku":
		item.SKU = value
	case "description":
		item.Description = value
	}
	return nil
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
