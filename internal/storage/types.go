package storage

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/scrypster/invoicemem/internal/confidence"
	"github.com/scrypster/invoicemem/pkg/types"
)

// CurrentSchemaVersion is written into every saved snapshot.
const CurrentSchemaVersion = "1.0"

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrCircuitOpen is returned by Guarded while its circuit breaker rejects
	// calls to a failing backend.
	ErrCircuitOpen = errors.New("storage circuit breaker is open")
)

// Snapshot is the persisted form of the memory store.
type Snapshot struct {
	SchemaVersion string                    `json:"schemaVersion"`
	SavedAt       time.Time                 `json:"savedAt"`
	Vendors       []*types.VendorMemory     `json:"vendors"`
	Corrections   []*types.CorrectionMemory `json:"corrections"`
	Resolutions   []*types.ResolutionMemory `json:"resolutions"`
	Duplicates    []*types.DuplicateRecord  `json:"duplicates"`
}

// NewSnapshot returns an empty snapshot at the current schema version.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		SchemaVersion: CurrentSchemaVersion,
		Vendors:       []*types.VendorMemory{},
		Corrections:   []*types.CorrectionMemory{},
		Resolutions:   []*types.ResolutionMemory{},
		Duplicates:    []*types.DuplicateRecord{},
	}
}

// Len returns the total number of records in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.Vendors) + len(s.Corrections) + len(s.Resolutions) + len(s.Duplicates)
}

// UpgradeSnapshot merges defaults into a snapshot read from storage so that
// older or partial snapshots load instead of failing.
//
// Nil collections and nil entries are dropped, missing record types are filled
// in from the collection they live in, and confidences are bounded. Snapshots
// from another schema version predate the isActive flag, so their records
// start active. A record below the deactivation threshold is always inactive.
func UpgradeSnapshot(s *Snapshot) *Snapshot {
	if s == nil {
		return NewSnapshot()
	}

	legacy := s.SchemaVersion != CurrentSchemaVersion
	out := &Snapshot{
		SchemaVersion: CurrentSchemaVersion,
		SavedAt:       s.SavedAt,
		Vendors:       []*types.VendorMemory{},
		Corrections:   []*types.CorrectionMemory{},
		Resolutions:   []*types.ResolutionMemory{},
		Duplicates:    []*types.DuplicateRecord{},
	}

	for _, v := range s.Vendors {
		if v == nil {
			continue
		}
		fixRecord(&v.MemoryRecord, types.MemoryTypeVendor, legacy)
		if v.NameVariants == nil {
			v.NameVariants = []string{}
		}
		if v.FieldMappings == nil {
			v.FieldMappings = []types.FieldMapping{}
		}
		out.Vendors = append(out.Vendors, v)
	}
	for _, c := range s.Corrections {
		if c == nil {
			continue
		}
		fixRecord(&c.MemoryRecord, types.MemoryTypeCorrection, legacy)
		out.Corrections = append(out.Corrections, c)
	}
	for _, r := range s.Resolutions {
		if r == nil {
			continue
		}
		fixRecord(&r.MemoryRecord, types.MemoryTypeResolution, legacy)
		if r.Decisions == nil {
			r.Decisions = []types.ResolutionEntry{}
		}
		out.Resolutions = append(out.Resolutions, r)
	}
	for _, d := range s.Duplicates {
		if d == nil || d.DuplicateHash == "" {
			continue
		}
		fixRecord(&d.MemoryRecord, types.MemoryTypeDuplicate, legacy)
		if d.Occurrences == nil {
			d.Occurrences = []string{}
		}
		if d.Resolution == "" {
			d.Resolution = types.DuplicatePending
		}
		out.Duplicates = append(out.Duplicates, d)
	}

	return out
}

func fixRecord(r *types.MemoryRecord, t types.MemoryType, legacy bool) {
	if r.Type == "" {
		r.Type = t
	}
	r.Confidence = confidence.Bound(r.Confidence)
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	if legacy {
		r.IsActive = true
	}
	r.IsActive = r.IsActive && r.Confidence >= confidence.DeactivationThreshold
}

// activity tells whether a stored record carried the isActive flag at all.
// Records written without it are active unless their confidence says
// otherwise.
type activity struct {
	IsActive *bool `json:"isActive"`
}

func (a activity) apply(r *types.MemoryRecord) {
	if a.IsActive == nil {
		r.IsActive = true
	}
}

// DecodeSnapshot decodes a JSON snapshot. Records without an isActive field
// decode as active. The result still needs UpgradeSnapshot.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	var flags struct {
		Vendors     []activity `json:"vendors"`
		Corrections []activity `json:"corrections"`
		Resolutions []activity `json:"resolutions"`
		Duplicates  []activity `json:"duplicates"`
	}
	if err := json.Unmarshal(data, &flags); err != nil {
		return nil, err
	}

	for i, v := range snap.Vendors {
		if v != nil && i < len(flags.Vendors) {
			flags.Vendors[i].apply(&v.MemoryRecord)
		}
	}
	for i, c := range snap.Corrections {
		if c != nil && i < len(flags.Corrections) {
			flags.Corrections[i].apply(&c.MemoryRecord)
		}
	}
	for i, r := range snap.Resolutions {
		if r != nil && i < len(flags.Resolutions) {
			flags.Resolutions[i].apply(&r.MemoryRecord)
		}
	}
	for i, d := range snap.Duplicates {
		if d != nil && i < len(flags.Duplicates) {
			flags.Duplicates[i].apply(&d.MemoryRecord)
		}
	}
	return &snap, nil
}

// AuditListOptions filters ListAudit.
type AuditListOptions struct {
	// InvoiceID restricts results to one invoice. Empty means all invoices.
	InvoiceID string

	// Limit is the maximum number of records (default: 20, max: 200).
	Limit int
}

// Normalize applies defaults and bounds.
func (o *AuditListOptions) Normalize() {
	if o.Limit < 1 {
		o.Limit = 20
	}
	if o.Limit > 200 {
		o.Limit = 200
	}
}
