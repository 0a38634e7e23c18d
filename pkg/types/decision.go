package types

import "time"

// ProposedCorrection is a single field change suggested by the rule engine.
// Proposals are never deduplicated across sources; conflicting proposals for
// the same field are surfaced side by side for human review.
type ProposedCorrection struct {
	Field         string           `json:"field"`
	OriginalValue string           `json:"originalValue"`
	ProposedValue string           `json:"proposedValue"`
	Confidence    float64          `json:"confidence"`
	Reasoning     string           `json:"reasoning"`
	Source        CorrectionSource `json:"source"`
	MemoryID      string           `json:"memoryId,omitempty"`
	AutoApplied   bool             `json:"autoApplied"`
	HumanApproved bool             `json:"humanApproved,omitempty"` // Applied because a reviewer approved the invoice
}

// MemoryUpdate describes a mutation performed during the learn phase.
type MemoryUpdate struct {
	Operation  UpdateOperation        `json:"operation"`
	MemoryType MemoryType             `json:"memoryType"`
	RecordID   string                 `json:"recordId,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Reason     string                 `json:"reason"`
}

// AuditEntry is one human-readable step of the audit trail.
type AuditEntry struct {
	Step      Phase     `json:"step"`
	Timestamp time.Time `json:"timestamp"`
	Details   string    `json:"details"`
}

// DuplicateCheck is the verdict of the duplicate detector.
type DuplicateCheck struct {
	IsDuplicate bool    `json:"isDuplicate"`
	IsConfirmed bool    `json:"isConfirmed"`
	Similarity  float64 `json:"similarity"`
	Reason      string  `json:"reason"`
	Hash        string  `json:"hash"`
	RecordID    string  `json:"recordId,omitempty"`
}

// HumanDecision optionally overrides the decide phase for an invoice.
type HumanDecision struct {
	Decision  Decision `json:"decision"`
	DecidedBy string   `json:"decidedBy,omitempty"`
	Note      string   `json:"note,omitempty"`
}

// DecisionOutput is the terminal result of processing one invoice.
type DecisionOutput struct {
	InvoiceID           string               `json:"invoiceId"`
	NormalizedInvoice   *NormalizedInvoice   `json:"normalizedInvoice"`
	ProposedCorrections []ProposedCorrection `json:"proposedCorrections"`
	RequiresHumanReview bool                 `json:"requiresHumanReview"`
	Reasoning           string               `json:"reasoning"`
	ConfidenceScore     float64              `json:"confidenceScore"`
	MemoryUpdates       []MemoryUpdate       `json:"memoryUpdates"`
	AuditTrail          []AuditEntry         `json:"auditTrail"`
	Duplicate           DuplicateCheck       `json:"duplicate"`
}

// AuditSummary condenses a decision for the audit log.
type AuditSummary struct {
	TotalSteps          int     `json:"totalSteps"`
	RequiresHumanReview bool    `json:"requiresHumanReview"`
	ConfidenceScore     float64 `json:"confidenceScore"`
}

// AuditRecord is the append-only audit log entry for one processed invoice.
type AuditRecord struct {
	InvoiceID   string       `json:"invoiceId"`
	ProcessedAt time.Time    `json:"processedAt"`
	Entries     []AuditEntry `json:"entries"`
	Summary     AuditSummary `json:"summary"`
}

// NewAuditRecord builds the audit log entry for out.
func NewAuditRecord(out *DecisionOutput, processedAt time.Time) AuditRecord {
	return AuditRecord{
		InvoiceID:   out.InvoiceID,
		ProcessedAt: processedAt,
		Entries:     append([]AuditEntry(nil), out.AuditTrail...),
		Summary: AuditSummary{
			TotalSteps:          len(out.AuditTrail),
			RequiresHumanReview: out.RequiresHumanReview,
			ConfidenceScore:     out.ConfidenceScore,
		},
	}
}
