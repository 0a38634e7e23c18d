// Package duplicates detects repeated invoices with a coarse content
// fingerprint and a fuzzy similarity score.
//
// The fingerprint hashes {vendorKey, invoiceNumberKey, yearMonth}. Invoices
// from the same vendor with the same number inside one calendar month collide
// on purpose: the hash is a first filter, not a uniqueness guarantee.
package duplicates

import (
	"crypto/sha256"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/scrypster/invoicemem/pkg/types"
)

const (
	// ConfirmThreshold is the similarity at/above which a collision counts as
	// a confirmed duplicate.
	ConfirmThreshold = 0.8

	numberMatchScore = 0.5
	amountTightScore = 0.5
	amountLooseScore = 0.3
	amountTight      = 0.01
	amountLoose      = 0.05

	unknownMonth = "unknown"
)

// dateLayouts are the invoice date formats the pipeline understands, ISO first.
var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"02.01.2006",
	"2.1.2006",
	"02/01/2006",
	"01/02/2006",
	"2006/01/02",
	"02-01-2006",
	"Jan 2, 2006",
	"2 Jan 2006",
	"January 2, 2006",
}

// ParseDate parses raw using the supported layouts.
func ParseDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Index looks up duplicate records by fingerprint. The memory store
// implements it.
type Index interface {
	FindDuplicate(hash string) (*types.DuplicateRecord, bool)
}

// Key lower-cases s and strips everything but letters and digits.
func Key(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// VendorKey returns the normalized vendor identifier: the vendor id when
// present, otherwise the name.
func VendorKey(v types.Vendor) string {
	if k := Key(v.ID); k != "" {
		return k
	}
	return Key(v.Name)
}

// yearMonth truncates the invoice date to YYYY-MM.
func yearMonth(raw string) string {
	if t, ok := ParseDate(raw); ok {
		return t.Format("2006-01")
	}
	return unknownMonth
}

// Fingerprint returns the deterministic duplicate hash for inv.
func Fingerprint(inv *types.Invoice) string {
	tuple := strings.Join([]string{
		VendorKey(inv.Vendor),
		Key(inv.InvoiceNumber),
		yearMonth(inv.InvoiceDate),
	}, "|")
	return fmt.Sprintf("%x", sha256.Sum256([]byte(tuple)))
}

// Similarity scores how closely inv matches the invoice recorded in rec:
// 0.5 for an identical invoice number plus 0.5 when the amount is within 1%
// (0.3 within 5%).
func Similarity(rec *types.DuplicateRecord, inv *types.Invoice) float64 {
	score := 0.0
	if Key(rec.InvoiceNumber) != "" && Key(rec.InvoiceNumber) == Key(inv.InvoiceNumber) {
		score += numberMatchScore
	}

	diff := relativeDifference(rec.TotalAmount, inv.TotalAmount)
	switch {
	case diff <= amountTight:
		score += amountTightScore
	case diff <= amountLoose:
		score += amountLooseScore
	}
	return math.Min(score, 1.0)
}

func relativeDifference(a, b float64) float64 {
	if a == b {
		return 0
	}
	base := math.Max(math.Abs(a), math.Abs(b))
	if base == 0 {
		return 0
	}
	return math.Abs(a-b) / base
}

// Check looks inv up in index. It never mutates the index.
func Check(inv *types.Invoice, index Index) types.DuplicateCheck {
	hash := Fingerprint(inv)
	rec, ok := index.FindDuplicate(hash)
	if !ok {
		return types.DuplicateCheck{
			Hash:   hash,
			Reason: "no prior invoice with this fingerprint",
		}
	}

	if rec.Resolution == types.DuplicateRejected {
		return types.DuplicateCheck{
			Hash:     hash,
			RecordID: rec.ID,
			Reason:   "fingerprint matches a lineage a reviewer marked as not duplicate",
		}
	}

	confirmed := rec.ConfirmedDuplicate || rec.Resolution == types.DuplicateConfirmed
	reason := fmt.Sprintf("fingerprint matches invoice %s", rec.FirstSeenInvoiceID)
	if !confirmed && len(rec.Occurrences) > 0 {
		sim := Similarity(rec, inv)
		confirmed = sim >= ConfirmThreshold
		reason = fmt.Sprintf("%s (seen %d times, similarity %.2f)", reason, len(rec.Occurrences)+1, sim)
	}

	return types.DuplicateCheck{
		IsDuplicate: true,
		IsConfirmed: confirmed,
		Similarity:  1.0,
		Reason:      reason,
		Hash:        hash,
		RecordID:    rec.ID,
	}
}
