// Package storagetest holds the behaviour every storage.Backend must share.
// Backend packages call Run from their own tests.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/invoicemem/internal/storage"
	"github.com/scrypster/invoicemem/pkg/types"
)

// Factory returns a fresh, empty backend. Cleanup is the factory's job.
type Factory func(t *testing.T) storage.Backend

// Run executes the conformance suite against backends built by newBackend.
func Run(t *testing.T, newBackend Factory) {
	t.Run("LoadEmpty", func(t *testing.T) { testLoadEmpty(t, newBackend(t)) })
	t.Run("SaveLoadRoundTrip", func(t *testing.T) { testRoundTrip(t, newBackend(t)) })
	t.Run("SaveReplaces", func(t *testing.T) { testSaveReplaces(t, newBackend(t)) })
	t.Run("AuditAppendAndList", func(t *testing.T) { testAudit(t, newBackend(t)) })
	t.Run("AuditRejectsMissingInvoice", func(t *testing.T) { testAuditInvalid(t, newBackend(t)) })
}

// SampleSnapshot returns a snapshot with one record of every type.
func SampleSnapshot() *storage.Snapshot {
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	base := func(id string, t types.MemoryType, c float64) types.MemoryRecord {
		return types.MemoryRecord{
			ID: id, Type: t, CreatedAt: now, UpdatedAt: now,
			Confidence: c, ReinforcementCount: 2, IsActive: true,
		}
	}

	snap := storage.NewSnapshot()
	snap.SavedAt = now
	snap.Vendors = append(snap.Vendors, &types.VendorMemory{
		MemoryRecord:  base("vendor-1", types.MemoryTypeVendor, 0.8),
		CanonicalID:   "supplier-gmbh",
		CanonicalName: "Supplier GmbH",
		NameVariants:  []string{"Supplier GmbH", "SUPPLIER GMBH"},
		FieldMappings: []types.FieldMapping{{SourceField: "Leistungsdatum", TargetField: "serviceDate", Confidence: 0.5, Occurrences: 1}},
		Behavior:      types.VendorBehavior{DefaultCurrency: "EUR"},
	})
	snap.Vendors = append(snap.Vendors, &types.VendorMemory{
		MemoryRecord:  base("vendor-2", types.MemoryTypeVendor, 0.3),
		CanonicalID:   "parts-ag",
		CanonicalName: "Parts AG",
		NameVariants:  []string{"Parts AG"},
		FieldMappings: []types.FieldMapping{},
	})
	snap.Corrections = append(snap.Corrections, &types.CorrectionMemory{
		MemoryRecord:    base("corr-1", types.MemoryTypeCorrection, 0.7),
		Pattern:         types.CorrectionPattern{Type: types.PatternTaxRecomputation, Signature: "partsag:tax", Condition: "0.19"},
		SuggestedAction: "recompute",
		VendorKey:       "partsag",
		HumanApproved:   true,
	})
	snap.Resolutions = append(snap.Resolutions, &types.ResolutionMemory{
		MemoryRecord:   base("res-1", types.MemoryTypeResolution, 0.6),
		ContextHash:    "ctx-1",
		Decisions:      []types.ResolutionEntry{{Decision: types.DecisionApproved, DecidedAt: now, DecidedBy: "ap-clerk"}},
		LinkedMemoryID: "corr-1",
	})
	snap.Duplicates = append(snap.Duplicates, &types.DuplicateRecord{
		MemoryRecord:       base("dup-1", types.MemoryTypeDuplicate, 0.3),
		DuplicateHash:      "abc123",
		FirstSeenInvoiceID: "INV-A",
		Occurrences:        []string{"INV-B"},
		VendorKey:          "supplier-gmbh",
		InvoiceNumber:      "INV-2024-001",
		TotalAmount:        2500,
		Resolution:         types.DuplicatePending,
	})
	return snap
}

func testLoadEmpty(t *testing.T, b storage.Backend) {
	snap, err := b.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)

	assert.Equal(t, storage.CurrentSchemaVersion, snap.SchemaVersion)
	assert.Zero(t, snap.Len())
}

func testRoundTrip(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	want := SampleSnapshot()

	require.NoError(t, b.Save(ctx, want))

	got, err := b.Load(ctx)
	require.NoError(t, err)

	assert.Equal(t, storage.CurrentSchemaVersion, got.SchemaVersion)
	assert.True(t, want.SavedAt.Equal(got.SavedAt), "SavedAt: got %v, want %v", got.SavedAt, want.SavedAt)

	require.Len(t, got.Vendors, 2)
	assert.Equal(t, "vendor-1", got.Vendors[0].ID)
	assert.Equal(t, "vendor-2", got.Vendors[1].ID)
	assert.Equal(t, want.Vendors[0].NameVariants, got.Vendors[0].NameVariants)
	assert.Equal(t, want.Vendors[0].FieldMappings, got.Vendors[0].FieldMappings)
	assert.Equal(t, "EUR", got.Vendors[0].Behavior.DefaultCurrency)
	assert.InDelta(t, 0.8, got.Vendors[0].Confidence, 1e-9)
	assert.True(t, got.Vendors[0].IsActive)

	require.Len(t, got.Corrections, 1)
	assert.Equal(t, want.Corrections[0].Pattern, got.Corrections[0].Pattern)
	assert.True(t, got.Corrections[0].HumanApproved)

	require.Len(t, got.Resolutions, 1)
	require.Len(t, got.Resolutions[0].Decisions, 1)
	assert.Equal(t, types.DecisionApproved, got.Resolutions[0].Decisions[0].Decision)
	assert.Equal(t, "corr-1", got.Resolutions[0].LinkedMemoryID)

	require.Len(t, got.Duplicates, 1)
	assert.Equal(t, "abc123", got.Duplicates[0].DuplicateHash)
	assert.Equal(t, []string{"INV-B"}, got.Duplicates[0].Occurrences)
}

func testSaveReplaces(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	require.NoError(t, b.Save(ctx, SampleSnapshot()))

	smaller := storage.NewSnapshot()
	smaller.Vendors = append(smaller.Vendors, SampleSnapshot().Vendors[1])
	require.NoError(t, b.Save(ctx, smaller))

	got, err := b.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Len())
	assert.Equal(t, "vendor-2", got.Vendors[0].ID)
}

func auditRecord(invoiceID string, at time.Time, review bool) types.AuditRecord {
	return types.AuditRecord{
		InvoiceID:   invoiceID,
		ProcessedAt: at,
		Entries: []types.AuditEntry{
			{Step: types.PhaseRecall, Timestamp: at, Details: "recalled"},
			{Step: types.PhaseDecide, Timestamp: at, Details: "decided"},
		},
		Summary: types.AuditSummary{TotalSteps: 2, RequiresHumanReview: review, ConfidenceScore: 0.42},
	}
}

func testAudit(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, b.Append(ctx, auditRecord("INV-A", at, true)))
	require.NoError(t, b.Append(ctx, auditRecord("INV-B", at.Add(time.Minute), false)))
	require.NoError(t, b.Append(ctx, auditRecord("INV-A", at.Add(2*time.Minute), false)))

	all, err := b.ListAudit(ctx, storage.AuditListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "INV-A", all[0].InvoiceID, "newest first")
	assert.False(t, all[0].Summary.RequiresHumanReview)
	assert.Equal(t, "INV-B", all[1].InvoiceID)

	onlyA, err := b.ListAudit(ctx, storage.AuditListOptions{InvoiceID: "INV-A"})
	require.NoError(t, err)
	require.Len(t, onlyA, 2)
	assert.True(t, onlyA[1].Summary.RequiresHumanReview)
	assert.Len(t, onlyA[1].Entries, 2)

	limited, err := b.ListAudit(ctx, storage.AuditListOptions{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func testAuditInvalid(t *testing.T, b storage.Backend) {
	err := b.Append(context.Background(), types.AuditRecord{})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}
