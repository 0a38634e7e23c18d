package engine_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/scrypster/invoicemem/internal/confidence"
	"github.com/scrypster/invoicemem/internal/config"
	"github.com/scrypster/invoicemem/internal/engine"
	"github.com/scrypster/invoicemem/internal/memory"
	"github.com/scrypster/invoicemem/internal/storage"
	"github.com/scrypster/invoicemem/pkg/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memBackend is an in-memory snapshot store.
type memBackend struct {
	mu    sync.Mutex
	snap  *storage.Snapshot
	saves int
}

func (b *memBackend) Load(ctx context.Context) (*storage.Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snap == nil {
		return storage.NewSnapshot(), nil
	}
	return b.snap, nil
}

func (b *memBackend) Save(ctx context.Context, s *storage.Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.saves++
	b.snap = s
	return nil
}

// recordingSink collects audit records.
type recordingSink struct {
	mu      sync.Mutex
	records []types.AuditRecord
	err     error
}

func (s *recordingSink) Append(ctx context.Context, rec types.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	return nil
}

type fixture struct {
	pipeline *engine.Pipeline
	store    *memory.Store
	clock    *fakeClock
	sink     *recordingSink
	backend  *memBackend
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.DefaultPipelineConfig()
	clock := &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	backend := &memBackend{}
	store := memory.New(confidence.New(cfg), backend, memory.WithClock(clock.Now))
	sink := &recordingSink{}

	var seq int
	var seqMu sync.Mutex
	p, err := engine.New(store, nil, cfg,
		engine.WithAuditSink(sink),
		engine.WithClock(clock.Now),
		engine.WithInvoiceIDGenerator(func() string {
			seqMu.Lock()
			defer seqMu.Unlock()
			seq++
			return fmt.Sprintf("inv-%d", seq)
		}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{pipeline: p, store: store, clock: clock, sink: sink, backend: backend}
}

func invoice(number, date string) *types.Invoice {
	return &types.Invoice{
		Vendor:        types.Vendor{Name: "Supplier GmbH", ID: "V-100"},
		InvoiceNumber: number,
		InvoiceDate:   date,
		TotalAmount:   1190,
		Currency:      "EUR",
		LineItems:     []types.LineItem{{SKU: "WIDGET-1", Description: "Widget", Quantity: 10, UnitPrice: 100, Total: 1000}},
	}
}

func hasUpdate(updates []types.MemoryUpdate, op types.UpdateOperation, mt types.MemoryType) bool {
	for _, u := range updates {
		if u.Operation == op && u.MemoryType == mt {
			return true
		}
	}
	return false
}

func TestNewRequiresStore(t *testing.T) {
	if _, err := engine.New(nil, nil, config.DefaultPipelineConfig()); err == nil {
		t.Fatal("expected an error without a memory store")
	}
}

func TestUnknownVendorRequiresReview(t *testing.T) {
	f := newFixture(t)

	out, err := f.pipeline.Process(context.Background(), invoice("INV-1", "2026-03-01"), nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if !out.RequiresHumanReview {
		t.Error("an unknown vendor must be reviewed")
	}
	if out.ConfidenceScore != confidence.UnknownVendorBase {
		t.Errorf("ConfidenceScore: got %f, want %f", out.ConfidenceScore, confidence.UnknownVendorBase)
	}
	if !hasUpdate(out.MemoryUpdates, types.OperationCreate, types.MemoryTypeVendor) {
		t.Errorf("expected a vendor create update, got %+v", out.MemoryUpdates)
	}
	if !hasUpdate(out.MemoryUpdates, types.OperationCreate, types.MemoryTypeDuplicate) {
		t.Errorf("expected the first-seen fingerprint to be recorded, got %+v", out.MemoryUpdates)
	}
	if out.InvoiceID != "inv-1" {
		t.Errorf("InvoiceID: got %q", out.InvoiceID)
	}

	vm, ok := f.store.FindVendor(types.Vendor{Name: "Supplier GmbH"})
	if !ok {
		t.Fatal("vendor was not learned")
	}
	if vm.Confidence != f.store.Engine().Initial() {
		t.Errorf("vendor confidence after review: got %f", vm.Confidence)
	}
	if vm.Behavior.DefaultCurrency != "EUR" {
		t.Errorf("vendor behavior: %+v", vm.Behavior)
	}
}

func TestAuditTrailFollowsPhases(t *testing.T) {
	f := newFixture(t)

	out, err := f.pipeline.Process(context.Background(), invoice("INV-1", "2026-03-01"), nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	want := []types.Phase{types.PhaseRecall, types.PhaseApply, types.PhaseDecide, types.PhaseLearn}
	if len(out.AuditTrail) != len(want) {
		t.Fatalf("expected %d audit entries, got %+v", len(want), out.AuditTrail)
	}
	for i, phase := range want {
		if out.AuditTrail[i].Step != phase {
			t.Errorf("entry %d: got %s, want %s", i, out.AuditTrail[i].Step, phase)
		}
		if out.AuditTrail[i].Details == "" {
			t.Errorf("entry %d has no details", i)
		}
	}

	for _, e := range out.AuditTrail[:3] {
		if !strings.Contains(out.Reasoning, e.Details) {
			t.Errorf("reasoning %q is missing %q", out.Reasoning, e.Details)
		}
	}

	if len(f.sink.records) != 1 {
		t.Fatalf("expected one audit record, got %d", len(f.sink.records))
	}
	rec := f.sink.records[0]
	if rec.InvoiceID != out.InvoiceID || rec.Summary.TotalSteps != 4 || !rec.Summary.RequiresHumanReview {
		t.Errorf("unexpected audit record: %+v", rec)
	}
}

func TestKnownVendorRenameAutoApplied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.pipeline.Process(ctx, invoice("INV-1", "2026-03-01"), nil); err != nil {
		t.Fatalf("first invoice: %v", err)
	}
	vm, _ := f.store.FindVendor(types.Vendor{Name: "Supplier GmbH"})
	for vm.Confidence < 0.85 {
		f.store.ReinforceMemory(vm.ID, "test")
		vm, _ = f.store.FindVendor(types.Vendor{Name: "Supplier GmbH"})
	}

	inv := invoice("INV-2", "2026-03-05")
	inv.Vendor.Name = "Supplier GmbH Ltd"
	out, err := f.pipeline.Process(ctx, inv, nil)
	if err != nil {
		t.Fatalf("second invoice: %v", err)
	}

	if len(out.ProposedCorrections) != 1 {
		t.Fatalf("expected the rename proposal, got %+v", out.ProposedCorrections)
	}
	c := out.ProposedCorrections[0]
	if c.Field != "vendor.name" || c.ProposedValue != "Supplier GmbH" || !c.AutoApplied {
		t.Errorf("unexpected proposal: %+v", c)
	}
	if out.NormalizedInvoice.Vendor.Name != "Supplier GmbH" {
		t.Errorf("normalized vendor name: got %q", out.NormalizedInvoice.Vendor.Name)
	}
	if out.RequiresHumanReview {
		t.Errorf("a trusted vendor with only applied corrections should not need review: %s", out.Reasoning)
	}

	after, ok := f.store.FindVendor(types.Vendor{Name: "Supplier GmbH Ltd"})
	if !ok || after.ID != vm.ID {
		t.Fatal("observed name was not recorded as a variant")
	}
}

func TestDuplicateSkipsLearning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.pipeline.Process(ctx, invoice("INV-7", "2026-03-01"), nil); err != nil {
		t.Fatalf("first invoice: %v", err)
	}
	before, _ := f.store.FindVendor(types.Vendor{Name: "Supplier GmbH"})

	out, err := f.pipeline.Process(ctx, invoice("INV-7", "2026-03-20"), nil)
	if err != nil {
		t.Fatalf("second invoice: %v", err)
	}

	if !out.Duplicate.IsDuplicate {
		t.Fatal("same vendor, number and month must be flagged")
	}
	if !out.RequiresHumanReview {
		t.Error("a duplicate must be reviewed")
	}

	want := confidence.Scale(confidence.Scale(before.Confidence, 0.7), config.DefaultPipelineConfig().DuplicateConfidencePenalty)
	if math.Abs(out.ConfidenceScore-want) > 1e-6 {
		t.Errorf("ConfidenceScore: got %f, want %f", out.ConfidenceScore, want)
	}

	last := out.AuditTrail[len(out.AuditTrail)-1]
	if last.Step != types.PhaseLearn || !strings.Contains(last.Details, "skipped") {
		t.Errorf("learn entry should record the skip: %+v", last)
	}
	if !strings.Contains(out.Reasoning, "duplicate") {
		t.Errorf("reasoning should mention the duplicate: %q", out.Reasoning)
	}

	after, _ := f.store.FindVendor(types.Vendor{Name: "Supplier GmbH"})
	if after.ReinforcementCount != before.ReinforcementCount {
		t.Error("vendor memory changed although learning was skipped")
	}

	// The occurrence itself is still recorded.
	if len(out.MemoryUpdates) != 1 || out.MemoryUpdates[0].MemoryType != types.MemoryTypeDuplicate {
		t.Fatalf("expected only the duplicate occurrence update, got %+v", out.MemoryUpdates)
	}
	d, ok := f.store.FindDuplicate(out.Duplicate.Hash)
	if !ok || len(d.Occurrences) != 1 || d.Occurrences[0] != out.InvoiceID {
		t.Errorf("occurrence not recorded: %+v", d)
	}

	// A third copy is now a confirmed duplicate.
	third, err := f.pipeline.Process(ctx, invoice("INV-7", "2026-03-28"), nil)
	if err != nil {
		t.Fatalf("third invoice: %v", err)
	}
	if !third.Duplicate.IsConfirmed {
		t.Errorf("expected a confirmed duplicate: %+v", third.Duplicate)
	}
}

func TestDuplicateLearnsWhenConfigured(t *testing.T) {
	cfg := config.DefaultPipelineConfig()
	cfg.SkipLearningOnDuplicate = false
	store := memory.New(confidence.New(cfg), nil)
	p, err := engine.New(store, nil, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	if _, err := p.Process(ctx, invoice("INV-7", "2026-03-01"), nil); err != nil {
		t.Fatal(err)
	}
	out, err := p.Process(ctx, invoice("INV-7", "2026-03-02"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Duplicate.IsDuplicate {
		t.Fatal("expected a duplicate")
	}
	if !hasUpdate(out.MemoryUpdates, types.OperationReinforce, types.MemoryTypeVendor) {
		t.Errorf("vendor should be reinforced when learning is not skipped: %+v", out.MemoryUpdates)
	}
}

func TestMissingVendorShortCircuits(t *testing.T) {
	f := newFixture(t)
	inv := invoice("INV-1", "2026-03-01")
	inv.Vendor.Name = "  "

	out, err := f.pipeline.Process(context.Background(), inv, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.ConfidenceScore != 0 || !out.RequiresHumanReview {
		t.Errorf("expected zero confidence and review: %+v", out)
	}
	if len(out.AuditTrail) != 0 || len(out.ProposedCorrections) != 0 || len(out.MemoryUpdates) != 0 {
		t.Errorf("expected empty trail, corrections and updates: %+v", out)
	}
	if f.store.Dirty() {
		t.Error("the guard must not touch the store")
	}
}

func TestInvalidInvoice(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		number string
		date   string
	}{
		{"missing_number", "", "2026-03-01"},
		{"bad_date", "INV-1", "sometime in march"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.pipeline.Process(context.Background(), invoice(tt.number, tt.date), nil)
			if !errors.Is(err, engine.ErrInvalidInvoice) {
				t.Errorf("got %v, want ErrInvalidInvoice", err)
			}
		})
	}

	if _, err := f.pipeline.Process(context.Background(), nil, nil); !errors.Is(err, engine.ErrInvalidInvoice) {
		t.Errorf("nil invoice: got %v", err)
	}
	if len(f.sink.records) != 0 {
		t.Error("failed invoices must not be audited")
	}
}

func TestInvalidDecision(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline.Process(context.Background(), invoice("INV-1", "2026-03-01"), &types.HumanDecision{Decision: "maybe"})
	if !errors.Is(err, engine.ErrInvalidDecision) {
		t.Errorf("got %v, want ErrInvalidDecision", err)
	}
}

func TestHumanApprovalLearnsCorrection(t *testing.T) {
	f := newFixture(t)
	inv := invoice("INV-1", "2026-03-01")
	inv.Currency = "€"

	out, err := f.pipeline.Process(context.Background(), inv, &types.HumanDecision{Decision: types.DecisionApproved, DecidedBy: "ap-clerk"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if out.RequiresHumanReview {
		t.Error("approval clears review")
	}
	if out.ConfidenceScore != confidence.HumanApprovalFloor {
		t.Errorf("ConfidenceScore: got %f, want %f", out.ConfidenceScore, confidence.HumanApprovalFloor)
	}

	vm, _ := f.store.FindVendor(inv.Vendor)
	if vm.Confidence != confidence.AutoApprovedVendor {
		t.Errorf("approved first invoice should start the vendor at %f, got %f", confidence.AutoApprovedVendor, vm.Confidence)
	}

	corrections := f.store.FindCorrections(vm.CanonicalID)
	if len(corrections) != 1 {
		t.Fatalf("expected the approved currency correction, got %+v", corrections)
	}
	c := corrections[0]
	if !c.HumanApproved || c.Confidence != confidence.ApprovedCorrection || c.SuggestedAction != "EUR" {
		t.Errorf("unexpected correction: %+v", c)
	}
	if !hasUpdate(out.MemoryUpdates, types.OperationCreate, types.MemoryTypeResolution) {
		t.Errorf("approval should be recorded as a resolution: %+v", out.MemoryUpdates)
	}
}

func TestHumanApprovalAppliesPendingCorrections(t *testing.T) {
	f := newFixture(t)
	inv := invoice("A-1", "15.03.2026")
	inv.Currency = "eur"

	out, err := f.pipeline.Process(context.Background(), inv, &types.HumanDecision{Decision: types.DecisionApproved})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.RequiresHumanReview {
		t.Error("approval clears review")
	}

	norm := out.NormalizedInvoice
	if norm.InvoiceDate != "2026-03-15" {
		t.Errorf("InvoiceDate: got %q, want 2026-03-15", norm.InvoiceDate)
	}
	if norm.Currency != "EUR" {
		t.Errorf("Currency: got %q, want EUR", norm.Currency)
	}

	applied := map[string]bool{}
	for _, c := range out.ProposedCorrections {
		if c.AutoApplied {
			t.Errorf("heuristic proposal auto-applied: %+v", c)
		}
		if c.HumanApproved {
			applied[c.Field] = true
		}
	}
	if !applied["invoiceDate"] || !applied["currency"] {
		t.Errorf("approved corrections missing from the output: %+v", out.ProposedCorrections)
	}
	if inv.InvoiceDate != "15.03.2026" {
		t.Error("input invoice must not be modified")
	}
}

func TestPendingCorrectionsNotAppliedWithoutApproval(t *testing.T) {
	f := newFixture(t)
	inv := invoice("A-2", "15.03.2026")
	inv.Currency = "eur"

	out, err := f.pipeline.Process(context.Background(), inv, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !out.RequiresHumanReview {
		t.Fatal("pending date and currency corrections need review")
	}
	if out.NormalizedInvoice.InvoiceDate != "15.03.2026" || out.NormalizedInvoice.Currency != "eur" {
		t.Errorf("pending corrections applied without approval: %+v", out.NormalizedInvoice)
	}
	if len(out.ProposedCorrections) < 2 {
		t.Errorf("pending corrections should be surfaced: %+v", out.ProposedCorrections)
	}
}

func TestHumanRejectionPenalizesCorrection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.pipeline.Process(ctx, invoice("INV-1", "2026-03-01"), nil); err != nil {
		t.Fatal(err)
	}
	vm, _ := f.store.FindVendor(types.Vendor{Name: "Supplier GmbH"})
	c, _ := f.store.RecordCorrection(memory.CorrectionInput{
		Pattern: types.CorrectionPattern{
			Type:      types.PatternFieldCorrection,
			Signature: vm.CanonicalID + ":poNumber",
			Condition: "poNumber",
		},
		SuggestedAction: "PO-STANDING",
		VendorKey:       vm.CanonicalID,
	})

	out, err := f.pipeline.Process(ctx, invoice("INV-2", "2026-03-09"), &types.HumanDecision{Decision: types.DecisionRejected})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !out.RequiresHumanReview {
		t.Error("rejection forces review")
	}
	if !hasUpdate(out.MemoryUpdates, types.OperationContradict, types.MemoryTypeCorrection) {
		t.Errorf("expected the correction to be contradicted: %+v", out.MemoryUpdates)
	}

	rec, _ := f.store.Get(c.ID)
	if rec.ContradictionCount != 1 || rec.Confidence >= c.Confidence {
		t.Errorf("correction not penalized: %+v", rec)
	}
}

func TestFeedbackDeactivatesCorrection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, _ := f.store.RecordCorrection(memory.CorrectionInput{
		Pattern:         types.CorrectionPattern{Type: types.PatternFieldCorrection, Signature: "v100:poNumber", Condition: "poNumber"},
		SuggestedAction: "PO-1",
		VendorKey:       "v100",
	})

	for i := 0; i < 3; i++ {
		if _, err := f.pipeline.RecordFeedback(ctx, engine.Feedback{MemoryID: c.ID, Decision: types.DecisionRejected}); err != nil {
			t.Fatalf("RecordFeedback %d: %v", i, err)
		}
	}

	rec, _ := f.store.Get(c.ID)
	if rec.IsActive {
		t.Errorf("three rejections from %f should deactivate: %+v", c.Confidence, rec)
	}
	if got := f.store.FindCorrections("v100"); len(got) != 0 {
		t.Errorf("deactivated correction still recalled: %+v", got)
	}
}

func TestFeedbackApprovalKeepsDeactivatedCorrectionOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, _ := f.store.RecordCorrection(memory.CorrectionInput{
		Pattern:         types.CorrectionPattern{Type: types.PatternFieldCorrection, Signature: "v100:poNumber", Condition: "poNumber"},
		SuggestedAction: "PO-1",
		VendorKey:       "v100",
	})
	for i := 0; i < 3; i++ {
		if _, err := f.pipeline.RecordFeedback(ctx, engine.Feedback{MemoryID: c.ID, Decision: types.DecisionRejected}); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := f.pipeline.RecordFeedback(ctx, engine.Feedback{MemoryID: c.ID, Decision: types.DecisionApproved}); err != nil {
		t.Fatalf("RecordFeedback: %v", err)
	}
	rec, _ := f.store.Get(c.ID)
	if rec.IsActive {
		t.Errorf("approval reactivated the correction: %+v", rec)
	}
	if got := f.store.FindCorrections("v100"); len(got) != 0 {
		t.Errorf("deactivated correction recalled after approval: %+v", got)
	}
}

func TestFeedbackApprovalReinforces(t *testing.T) {
	f := newFixture(t)
	c, _ := f.store.RecordCorrection(memory.CorrectionInput{
		Pattern:         types.CorrectionPattern{Type: types.PatternFieldCorrection, Signature: "v100:poNumber", Condition: "poNumber"},
		SuggestedAction: "PO-1",
		VendorKey:       "v100",
	})

	updates, err := f.pipeline.RecordFeedback(context.Background(), engine.Feedback{MemoryID: c.ID, Decision: types.DecisionApproved, InvoiceID: "inv-9"})
	if err != nil {
		t.Fatalf("RecordFeedback: %v", err)
	}
	if !hasUpdate(updates, types.OperationReinforce, types.MemoryTypeCorrection) {
		t.Errorf("expected a reinforcement: %+v", updates)
	}
	if !hasUpdate(updates, types.OperationCreate, types.MemoryTypeResolution) {
		t.Errorf("expected a resolution: %+v", updates)
	}
}

func TestFeedbackSettlesDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.pipeline.Process(ctx, invoice("INV-7", "2026-03-01"), nil)
	if err != nil {
		t.Fatal(err)
	}
	d, _ := f.store.FindDuplicate(out.Duplicate.Hash)

	if _, err := f.pipeline.RecordFeedback(ctx, engine.Feedback{MemoryID: d.ID, Decision: types.DecisionRejected}); err != nil {
		t.Fatalf("RecordFeedback: %v", err)
	}

	again, err := f.pipeline.Process(ctx, invoice("INV-7", "2026-03-15"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if again.Duplicate.IsDuplicate {
		t.Error("a lineage marked as not duplicate must stop flagging")
	}
}

func TestFeedbackErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.pipeline.RecordFeedback(ctx, engine.Feedback{MemoryID: "missing", Decision: types.DecisionApproved}); !errors.Is(err, engine.ErrUnknownMemory) {
		t.Errorf("unknown id: got %v", err)
	}
	if _, err := f.pipeline.RecordFeedback(ctx, engine.Feedback{MemoryID: "x", Decision: "perhaps"}); !errors.Is(err, engine.ErrInvalidDecision) {
		t.Errorf("bad decision: got %v", err)
	}
}

func TestAuditFailureStillReturnsOutput(t *testing.T) {
	f := newFixture(t)
	f.sink.err = errors.New("disk full")

	var notified *types.DecisionOutput
	f.pipeline.SetOnDecision(func(out *types.DecisionOutput) { notified = out })

	out, err := f.pipeline.Process(context.Background(), invoice("INV-1", "2026-03-01"), nil)
	if err == nil {
		t.Fatal("expected the audit error")
	}
	if out == nil || notified != out {
		t.Error("output must be returned and published despite the audit failure")
	}
}

func TestApplyDecayAndScheduler(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.pipeline.Process(ctx, invoice("INV-1", "2026-03-01"), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := f.pipeline.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(60 * 24 * time.Hour)
	s, err := engine.NewDecayScheduler(f.pipeline, time.Hour)
	if err != nil {
		t.Fatalf("NewDecayScheduler: %v", err)
	}
	updates, err := s.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !hasUpdate(updates, types.OperationDecay, types.MemoryTypeVendor) {
		t.Errorf("expected the idle vendor to decay: %+v", updates)
	}
	if f.backend.saves != 2 {
		t.Errorf("decay should flush: %d saves", f.backend.saves)
	}

	// Already decayed up to now; nothing more to do.
	again, err := f.pipeline.ApplyDecay(ctx, f.clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Errorf("repeated decay at the same instant changed %d records", len(again))
	}
}

func TestDecaySchedulerLifecycle(t *testing.T) {
	f := newFixture(t)

	if _, err := engine.NewDecayScheduler(f.pipeline, 0); err == nil {
		t.Error("zero interval must be rejected")
	}

	s, err := engine.NewDecayScheduler(f.pipeline, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Shutdown(context.Background()); err == nil {
		t.Error("Shutdown before Start must fail")
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Error("second Start must fail")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestConcurrentProcessingIsSerialized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := f.pipeline.Process(ctx, invoice(fmt.Sprintf("INV-%d", i), "2026-03-01"), nil); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Process: %v", err)
	}

	vm, ok := f.store.FindVendor(types.Vendor{Name: "Supplier GmbH"})
	if !ok {
		t.Fatal("vendor missing")
	}
	if vm.ReinforcementCount != n-1 {
		t.Errorf("ReinforcementCount: got %d, want %d", vm.ReinforcementCount, n-1)
	}
	if stats := f.store.Stats(); stats.Vendors.Total != 1 || stats.Duplicates.Total != n {
		t.Errorf("unexpected stats: %+v", stats)
	}
}
