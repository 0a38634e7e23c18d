// Package types defines the core data structures for the invoicemem decision
// pipeline: invoices, the four memory record variants, and the decision output
// produced for every processed invoice.
package types

// MemoryType discriminates the memory record variants.
type MemoryType string

// Memory record variants
const (
	// MemoryTypeVendor is a learned vendor identity with field mappings and behavior flags
	MemoryTypeVendor MemoryType = "vendor"

	// MemoryTypeCorrection is a recurring correction pattern
	MemoryTypeCorrection MemoryType = "correction"

	// MemoryTypeResolution is the history of human decisions for one context
	MemoryTypeResolution MemoryType = "resolution"

	// MemoryTypeDuplicate is a duplicate fingerprint lineage
	MemoryTypeDuplicate MemoryType = "duplicate"
)

// ValidMemoryTypes contains all memory record variants.
var ValidMemoryTypes = []MemoryType{
	MemoryTypeVendor,
	MemoryTypeCorrection,
	MemoryTypeResolution,
	MemoryTypeDuplicate,
}

// IsValidMemoryType reports whether t names a known memory record variant.
func IsValidMemoryType(t MemoryType) bool {
	for _, valid := range ValidMemoryTypes {
		if t == valid {
			return true
		}
	}
	return false
}

// PatternType identifies the applicability predicate of a correction memory.
type PatternType string

// Correction pattern types
const (
	// PatternFieldCorrection rewrites a single field for one vendor
	PatternFieldCorrection PatternType = "field_correction"

	// PatternTaxRecomputation derives net/tax amounts from VAT-inclusive totals
	PatternTaxRecomputation PatternType = "tax_recomputation"

	// PatternQuantityMismatch corrects line-item quantities from a reference value
	PatternQuantityMismatch PatternType = "quantity_mismatch"
)

// Decision is a human verdict on a proposed correction or duplicate.
type Decision string

// Human decision constants
const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// DuplicateResolution tracks the human verdict on a duplicate lineage.
type DuplicateResolution string

// Duplicate resolution constants
const (
	DuplicatePending   DuplicateResolution = "pending"
	DuplicateConfirmed DuplicateResolution = "confirmed"
	DuplicateRejected  DuplicateResolution = "rejected"
)

// UpdateOperation describes what the learn phase did to a memory record.
type UpdateOperation string

// Memory update operations
const (
	OperationCreate     UpdateOperation = "create"
	OperationUpdate     UpdateOperation = "update"
	OperationReinforce  UpdateOperation = "reinforce"
	OperationContradict UpdateOperation = "contradict"
	OperationDecay      UpdateOperation = "decay"
)

// CorrectionSource records which rule family produced a proposed correction.
type CorrectionSource string

// Correction sources, in emission order
const (
	SourceVendorMemory     CorrectionSource = "vendor_memory"
	SourceCorrectionMemory CorrectionSource = "correction_memory"
	SourceHeuristic        CorrectionSource = "heuristic"
)
