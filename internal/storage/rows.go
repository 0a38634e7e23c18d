package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/scrypster/invoicemem/pkg/types"
)

// RecordRow is the relational form of one memory record. SQL backends keep
// the indexed columns next to the full JSON payload.
type RecordRow struct {
	ID         string
	Type       types.MemoryType
	Position   int
	Confidence float64
	IsActive   bool
	UpdatedAt  time.Time
	Payload    []byte
}

// Rows flattens the snapshot into one row per record, preserving order
// within each collection.
func (s *Snapshot) Rows() ([]RecordRow, error) {
	rows := make([]RecordRow, 0, s.Len())

	add := func(base types.MemoryRecord, position int, record interface{}) error {
		payload, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("storage: failed to encode %s record %s: %w", base.Type, base.ID, err)
		}
		rows = append(rows, RecordRow{
			ID:         base.ID,
			Type:       base.Type,
			Position:   position,
			Confidence: base.Confidence,
			IsActive:   base.IsActive,
			UpdatedAt:  base.UpdatedAt,
			Payload:    payload,
		})
		return nil
	}

	for i, v := range s.Vendors {
		if err := add(v.MemoryRecord, i, v); err != nil {
			return nil, err
		}
	}
	for i, c := range s.Corrections {
		if err := add(c.MemoryRecord, i, c); err != nil {
			return nil, err
		}
	}
	for i, r := range s.Resolutions {
		if err := add(r.MemoryRecord, i, r); err != nil {
			return nil, err
		}
	}
	for i, d := range s.Duplicates {
		if err := add(d.MemoryRecord, i, d); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

// AddRow decodes payload into the collection for memoryType. Rows of an
// unknown type are rejected with ErrInvalidInput.
func (s *Snapshot) AddRow(memoryType types.MemoryType, payload []byte) error {
	var flag activity
	if err := json.Unmarshal(payload, &flag); err != nil {
		return fmt.Errorf("storage: failed to decode %s record: %w", memoryType, err)
	}

	var err error
	switch memoryType {
	case types.MemoryTypeVendor:
		var v types.VendorMemory
		if err = json.Unmarshal(payload, &v); err == nil {
			flag.apply(&v.MemoryRecord)
			s.Vendors = append(s.Vendors, &v)
		}
	case types.MemoryTypeCorrection:
		var c types.CorrectionMemory
		if err = json.Unmarshal(payload, &c); err == nil {
			flag.apply(&c.MemoryRecord)
			s.Corrections = append(s.Corrections, &c)
		}
	case types.MemoryTypeResolution:
		var r types.ResolutionMemory
		if err = json.Unmarshal(payload, &r); err == nil {
			flag.apply(&r.MemoryRecord)
			s.Resolutions = append(s.Resolutions, &r)
		}
	case types.MemoryTypeDuplicate:
		var d types.DuplicateRecord
		if err = json.Unmarshal(payload, &d); err == nil {
			flag.apply(&d.MemoryRecord)
			s.Duplicates = append(s.Duplicates, &d)
		}
	default:
		return fmt.Errorf("%w: unknown memory type %q", ErrInvalidInput, memoryType)
	}
	if err != nil {
		return fmt.Errorf("storage: failed to decode %s record: %w", memoryType, err)
	}
	return nil
}
