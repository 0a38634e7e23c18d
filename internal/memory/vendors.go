package memory

import (
	"strings"

	"github.com/scrypster/invoicemem/internal/confidence"
	"github.com/scrypster/invoicemem/internal/duplicates"
	"github.com/scrypster/invoicemem/pkg/types"
)

// FindVendor returns the active vendor memory for v. The observed name is
// matched case-insensitively against canonical names and recorded variants;
// when no name matches and v carries a vendor id, the vendor whose canonical
// id equals the normalized id is returned. Among several matches the most
// confident wins.
func (s *Store) FindVendor(v types.Vendor) (*types.VendorMemory, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if m := s.findVendorLocked(v); m != nil {
		return m.Clone(), true
	}
	return nil, false
}

func (s *Store) findVendorLocked(v types.Vendor) *types.VendorMemory {
	var best *types.VendorMemory
	for _, m := range s.vendors {
		if m.IsActive && m.MatchesName(v.Name) && (best == nil || m.Confidence > best.Confidence) {
			best = m
		}
	}
	if best != nil {
		return best
	}

	key := duplicates.Key(v.ID)
	if key == "" {
		return nil
	}
	for _, m := range s.vendors {
		if m.IsActive && m.CanonicalID == key && (best == nil || m.Confidence > best.Confidence) {
			best = m
		}
	}
	return best
}

func (s *Store) vendorByIDLocked(id string) *types.VendorMemory {
	for _, m := range s.vendors {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// ObserveVendor records that an invoice from v was processed. A known vendor
// is reinforced and gains the observed name as a variant when it is novel; an
// unknown vendor is created at AutoApprovedVendor confidence when the invoice
// was approved without review and at the initial confidence otherwise.
func (s *Store) ObserveVendor(v types.Vendor, autoApproved bool) (*types.VendorMemory, []types.MemoryUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m := s.findVendorLocked(v); m != nil {
		s.reinforceLocked(&m.MemoryRecord)
		updates := []types.MemoryUpdate{update(types.OperationReinforce, &m.MemoryRecord, "vendor seen again")}
		if u, ok := s.addVariantLocked(m, v.Name); ok {
			updates = append(updates, u)
		}
		return m.Clone(), updates
	}

	start := s.engine.Initial()
	reason := "first invoice from this vendor"
	if autoApproved {
		start = confidence.AutoApprovedVendor
		reason = "first invoice from this vendor, approved without review"
	}

	name := strings.TrimSpace(v.Name)
	m := &types.VendorMemory{
		MemoryRecord:  s.newRecordLocked(types.MemoryTypeVendor, start),
		CanonicalID:   duplicates.VendorKey(v),
		CanonicalName: name,
		NameVariants:  []string{name},
		FieldMappings: []types.FieldMapping{},
	}
	s.vendors = append(s.vendors, m)

	u := update(types.OperationCreate, &m.MemoryRecord, reason)
	u.Data["canonicalName"] = m.CanonicalName
	u.Data["canonicalId"] = m.CanonicalID
	return m.Clone(), []types.MemoryUpdate{u}
}

// AddNameVariant records name as a variant of the vendor with id when it is
// not already known.
func (s *Store) AddNameVariant(id, name string) (types.MemoryUpdate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.vendorByIDLocked(id)
	if m == nil {
		return types.MemoryUpdate{}, false
	}
	return s.addVariantLocked(m, name)
}

func (s *Store) addVariantLocked(m *types.VendorMemory, name string) (types.MemoryUpdate, bool) {
	name = strings.TrimSpace(name)
	if name == "" || m.HasVariant(name) {
		return types.MemoryUpdate{}, false
	}
	m.NameVariants = append(m.NameVariants, name)
	s.touchLocked(&m.MemoryRecord)

	u := update(types.OperationUpdate, &m.MemoryRecord, "new name variant observed")
	u.Data["nameVariant"] = name
	return u, true
}

// RecordFieldMapping records that sourceField on the vendor's invoices maps
// to targetField. Repeated observations reinforce the mapping; a conflicting
// target replaces it and restarts its confidence.
func (s *Store) RecordFieldMapping(id, sourceField, targetField string) (types.MemoryUpdate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.vendorByIDLocked(id)
	if m == nil || sourceField == "" || targetField == "" {
		return types.MemoryUpdate{}, false
	}

	reason := "field mapping learned"
	found := false
	for i := range m.FieldMappings {
		fm := &m.FieldMappings[i]
		if fm.SourceField != sourceField {
			continue
		}
		found = true
		if fm.TargetField == targetField {
			fm.Confidence = s.engine.Reinforce(fm.Confidence)
			fm.Occurrences++
			reason = "field mapping confirmed"
		} else {
			fm.TargetField = targetField
			fm.Confidence = s.engine.Initial()
			fm.Occurrences = 1
			reason = "field mapping retargeted"
		}
		break
	}
	if !found {
		m.FieldMappings = append(m.FieldMappings, types.FieldMapping{
			SourceField: sourceField,
			TargetField: targetField,
			Confidence:  s.engine.Initial(),
			Occurrences: 1,
		})
	}
	s.touchLocked(&m.MemoryRecord)

	u := update(types.OperationUpdate, &m.MemoryRecord, reason)
	u.Data["sourceField"] = sourceField
	u.Data["targetField"] = targetField
	return u, true
}

// MergeVendorBehavior sets the non-zero fields of b on the vendor with id.
// It reports false when nothing changed.
func (s *Store) MergeVendorBehavior(id string, b types.VendorBehavior) (types.MemoryUpdate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.vendorByIDLocked(id)
	if m == nil {
		return types.MemoryUpdate{}, false
	}

	changed := map[string]interface{}{}
	if b.VATIncluded && !m.Behavior.VATIncluded {
		m.Behavior.VATIncluded = true
		changed["vatIncluded"] = true
	}
	if cur := strings.ToUpper(strings.TrimSpace(b.DefaultCurrency)); cur != "" && cur != m.Behavior.DefaultCurrency {
		m.Behavior.DefaultCurrency = cur
		changed["defaultCurrency"] = cur
	}
	if b.PaymentTermDays > 0 && b.PaymentTermDays != m.Behavior.PaymentTermDays {
		m.Behavior.PaymentTermDays = b.PaymentTermDays
		changed["paymentTermDays"] = b.PaymentTermDays
	}
	if len(changed) == 0 {
		return types.MemoryUpdate{}, false
	}
	s.touchLocked(&m.MemoryRecord)

	u := update(types.OperationUpdate, &m.MemoryRecord, "vendor behavior learned")
	for k, v := range changed {
		u.Data[k] = v
	}
	return u, true
}
