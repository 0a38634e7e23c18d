package types

import (
	"strings"
	"time"
)

// MemoryRecord holds the fields shared by every memory variant. Confidence is
// kept inside [0, 1] by the memory store; a record whose confidence drops below
// the deactivation threshold is flagged inactive and excluded from recall.
type MemoryRecord struct {
	ID                 string     `json:"id"`
	Type               MemoryType `json:"type"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
	Confidence         float64    `json:"confidence"`
	ReinforcementCount int        `json:"reinforcementCount"`
	ContradictionCount int        `json:"contradictionCount"`
	IsActive           bool       `json:"isActive"`
	DecayedAt          *time.Time `json:"decayedAt,omitempty"` // Last maintenance decay; not an interaction
}

// Base returns a pointer to the shared record fields.
func (r *MemoryRecord) Base() *MemoryRecord {
	return r
}

// FieldMapping maps a vendor-specific metadata key to a normalized field.
type FieldMapping struct {
	SourceField string  `json:"sourceField"`
	TargetField string  `json:"targetField"`
	Confidence  float64 `json:"confidence"`
	Occurrences int     `json:"occurrences"`
}

// VendorBehavior captures vendor-level defaults learned over time.
type VendorBehavior struct {
	VATIncluded     bool   `json:"vatIncluded,omitempty" yaml:"vatIncluded,omitempty"`
	DefaultCurrency string `json:"defaultCurrency,omitempty" yaml:"defaultCurrency,omitempty"`
	PaymentTermDays int    `json:"paymentTermDays,omitempty" yaml:"paymentTermDays,omitempty"`
}

// VendorMemory is the learned identity of one vendor.
type VendorMemory struct {
	MemoryRecord
	CanonicalID   string         `json:"canonicalId"`
	CanonicalName string         `json:"canonicalName"`
	NameVariants  []string       `json:"nameVariants"`
	FieldMappings []FieldMapping `json:"fieldMappings"`
	Behavior      VendorBehavior `json:"behavior"`
}

// MatchesName reports whether name equals the canonical name or any recorded
// variant, ignoring case and surrounding whitespace.
func (v *VendorMemory) MatchesName(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	if strings.EqualFold(v.CanonicalName, name) {
		return true
	}
	for _, variant := range v.NameVariants {
		if strings.EqualFold(variant, name) {
			return true
		}
	}
	return false
}

// HasVariant reports whether name is already recorded (canonical included).
func (v *VendorMemory) HasVariant(name string) bool {
	return v.MatchesName(name)
}

// Mapping returns the field mapping for sourceField, if any.
func (v *VendorMemory) Mapping(sourceField string) (FieldMapping, bool) {
	for _, m := range v.FieldMappings {
		if m.SourceField == sourceField {
			return m, true
		}
	}
	return FieldMapping{}, false
}

// Clone returns a copy that shares no slices with v.
func (v *VendorMemory) Clone() *VendorMemory {
	out := *v
	out.NameVariants = append([]string(nil), v.NameVariants...)
	out.FieldMappings = append([]FieldMapping(nil), v.FieldMappings...)
	return &out
}

// CorrectionPattern describes when a correction memory applies.
type CorrectionPattern struct {
	Type      PatternType `json:"type"`
	Signature string      `json:"signature"`
	Condition string      `json:"condition,omitempty"`
}

// CorrectionMemory is a learned correction pattern.
type CorrectionMemory struct {
	MemoryRecord
	Pattern         CorrectionPattern `json:"pattern"`
	SuggestedAction string            `json:"suggestedAction"`
	VendorKey       string            `json:"vendorKey,omitempty"`
	HumanApproved   bool              `json:"humanApproved"`
}

// Clone returns a copy of c.
func (c *CorrectionMemory) Clone() *CorrectionMemory {
	out := *c
	return &out
}

// ResolutionEntry is one human decision.
type ResolutionEntry struct {
	Decision  Decision  `json:"decision"`
	DecidedAt time.Time `json:"decidedAt"`
	DecidedBy string    `json:"decidedBy,omitempty"`
	Note      string    `json:"note,omitempty"`
}

// ResolutionMemory is the ordered decision history for one context.
type ResolutionMemory struct {
	MemoryRecord
	ContextHash    string            `json:"contextHash"`
	Decisions      []ResolutionEntry `json:"decisions"`
	LinkedMemoryID string            `json:"linkedMemoryId,omitempty"`
}

// Clone returns a copy that shares no slices with r.
func (r *ResolutionMemory) Clone() *ResolutionMemory {
	out := *r
	out.Decisions = append([]ResolutionEntry(nil), r.Decisions...)
	return &out
}

// DuplicateRecord is the lineage of invoices sharing one fingerprint.
type DuplicateRecord struct {
	MemoryRecord
	DuplicateHash      string              `json:"duplicateHash"`
	FirstSeenInvoiceID string              `json:"firstSeenInvoiceId"`
	Occurrences        []string            `json:"occurrences"`
	VendorKey          string              `json:"vendorKey"`
	InvoiceNumber      string              `json:"invoiceNumber"`
	TotalAmount        float64             `json:"totalAmount"`
	ConfirmedDuplicate bool                `json:"confirmedDuplicate"`
	Resolution         DuplicateResolution `json:"resolution"`
}

// Seen reports whether invoiceID is already part of this lineage.
func (d *DuplicateRecord) Seen(invoiceID string) bool {
	if d.FirstSeenInvoiceID == invoiceID {
		return true
	}
	for _, id := range d.Occurrences {
		if id == invoiceID {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no slices with d.
func (d *DuplicateRecord) Clone() *DuplicateRecord {
	out := *d
	out.Occurrences = append([]string(nil), d.Occurrences...)
	return &out
}
