// Package engine drives invoices through the Recall, Apply, Decide and Learn
// phases against one memory store.
//
// A Pipeline never mutates memory records directly. Every change goes through
// the memory store so confidence arithmetic and dirty tracking stay in one
// place. Processing of whole invoices is serialized with the store's
// operation lock; decay maintenance takes the same lock.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/invoicemem/internal/config"
	"github.com/scrypster/invoicemem/internal/memory"
	"github.com/scrypster/invoicemem/internal/rules"
	"github.com/scrypster/invoicemem/internal/storage"
	"github.com/scrypster/invoicemem/pkg/types"
)

// Duplicate penalties applied during Decide, before the configured final
// penalty.
const (
	confirmedDuplicateFactor = 0.3
	potentialDuplicateFactor = 0.7
)

var (
	// ErrInvalidInvoice is returned when an invoice cannot be normalized.
	ErrInvalidInvoice = errors.New("invalid invoice")

	// ErrInvalidDecision is returned for a human decision other than
	// approved or rejected.
	ErrInvalidDecision = errors.New("invalid decision")
)

// Pipeline is the decision pipeline.
type Pipeline struct {
	store   *memory.Store
	matcher *rules.Matcher
	cfg     config.PipelineConfig
	audit   storage.AuditSink
	now     func() time.Time
	newID   func() string

	mu         sync.RWMutex
	onDecision func(*types.DecisionOutput)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithAuditSink appends one audit record per processed invoice to sink.
func WithAuditSink(sink storage.AuditSink) Option {
	return func(p *Pipeline) { p.audit = sink }
}

// WithClock replaces time.Now for audit timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithInvoiceIDGenerator sets how ids are assigned to invoices that arrive
// without one.
func WithInvoiceIDGenerator(gen func() string) Option {
	return func(p *Pipeline) { p.newID = gen }
}

// New creates a pipeline over store. A nil matcher is built from cfg with the
// default rule catalog.
func New(store *memory.Store, matcher *rules.Matcher, cfg config.PipelineConfig, opts ...Option) (*Pipeline, error) {
	if store == nil {
		return nil, fmt.Errorf("engine: memory store is required")
	}
	if matcher == nil {
		matcher = rules.NewMatcher(store.Engine(), nil, cfg)
	}

	p := &Pipeline{
		store:   store,
		matcher: matcher,
		cfg:     cfg,
		now:     time.Now,
		newID:   func() string { return "inv_" + uuid.New().String() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Store returns the memory store the pipeline works against.
func (p *Pipeline) Store() *memory.Store {
	return p.store
}

// SetOnDecision sets a callback fired after every processed invoice, once the
// audit record has been appended.
func (p *Pipeline) SetOnDecision(callback func(*types.DecisionOutput)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDecision = callback
}

// Process runs inv through the pipeline. decision, when non-nil, overrides
// the Decide phase with a human verdict.
//
// An invoice without a vendor name is not an error: it yields a
// zero-confidence output that requires review. When only the audit append
// fails, the output is returned together with the error.
func (p *Pipeline) Process(ctx context.Context, inv *types.Invoice, decision *types.HumanDecision) (*types.DecisionOutput, error) {
	if inv == nil {
		return nil, fmt.Errorf("engine: %w: invoice is required", ErrInvalidInvoice)
	}
	if decision != nil && decision.Decision != types.DecisionApproved && decision.Decision != types.DecisionRejected {
		return nil, fmt.Errorf("engine: %w: %q", ErrInvalidDecision, decision.Decision)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := strings.TrimSpace(inv.ID)
	if id == "" {
		id = p.newID()
	}

	var out *types.DecisionOutput
	if strings.TrimSpace(inv.Vendor.Name) == "" {
		out = missingVendor(inv, id)
	} else {
		err := p.store.Exclusive(func() error {
			r := &run{p: p, inv: inv, id: id, decision: decision}
			var err error
			out, err = r.execute()
			return err
		})
		if err != nil {
			return nil, err
		}
	}

	return out, p.publish(ctx, out)
}

// missingVendor is the one exit that skips every phase.
func missingVendor(inv *types.Invoice, id string) *types.DecisionOutput {
	return &types.DecisionOutput{
		InvoiceID:           id,
		NormalizedInvoice:   rules.Normalize(inv, id),
		ProposedCorrections: []types.ProposedCorrection{},
		RequiresHumanReview: true,
		Reasoning:           "Vendor name is missing; the invoice needs manual review.",
		ConfidenceScore:     0,
		MemoryUpdates:       []types.MemoryUpdate{},
		AuditTrail:          []types.AuditEntry{},
	}
}

func (p *Pipeline) publish(ctx context.Context, out *types.DecisionOutput) error {
	var err error
	if p.audit != nil {
		if appendErr := p.audit.Append(ctx, types.NewAuditRecord(out, p.now())); appendErr != nil {
			err = fmt.Errorf("engine: failed to append audit record for %s: %w", out.InvoiceID, appendErr)
		}
	}

	p.mu.RLock()
	callback := p.onDecision
	p.mu.RUnlock()
	if callback != nil {
		callback(out)
	}
	return err
}

// ApplyDecay decays every memory idle past the grace window. It takes the
// same lock as Process so maintenance never interleaves with an invoice.
func (p *Pipeline) ApplyDecay(ctx context.Context, now time.Time) ([]types.MemoryUpdate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var updates []types.MemoryUpdate
	_ = p.store.Exclusive(func() error {
		updates = p.store.ApplyDecayToAll(now)
		return nil
	})
	if updates == nil {
		updates = []types.MemoryUpdate{}
	}
	return updates, nil
}

// Flush saves the memory store if it changed.
func (p *Pipeline) Flush(ctx context.Context) (bool, error) {
	return p.store.Flush(ctx)
}
