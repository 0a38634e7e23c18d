package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/invoicemem/internal/storage"
	"github.com/scrypster/invoicemem/pkg/types"
)

// flakyBackend fails every call while failing is set.
type flakyBackend struct {
	failing bool
	calls   int
	saved   *storage.Snapshot
	audit   []types.AuditRecord
}

var errDown = errors.New("backend down")

func (f *flakyBackend) Load(ctx context.Context) (*storage.Snapshot, error) {
	f.calls++
	if f.failing {
		return nil, errDown
	}
	if f.saved == nil {
		return storage.NewSnapshot(), nil
	}
	return f.saved, nil
}

func (f *flakyBackend) Save(ctx context.Context, s *storage.Snapshot) error {
	f.calls++
	if f.failing {
		return errDown
	}
	f.saved = s
	return nil
}

func (f *flakyBackend) Append(ctx context.Context, r types.AuditRecord) error {
	f.calls++
	if f.failing {
		return errDown
	}
	f.audit = append(f.audit, r)
	return nil
}

func (f *flakyBackend) ListAudit(ctx context.Context, opts storage.AuditListOptions) ([]types.AuditRecord, error) {
	f.calls++
	if f.failing {
		return nil, errDown
	}
	return f.audit, nil
}

func (f *flakyBackend) Close() error { return nil }

func TestGuardedPassesThrough(t *testing.T) {
	inner := &flakyBackend{}
	g := storage.NewGuarded(inner, storage.DefaultBreakerConfig())
	ctx := context.Background()

	require.NoError(t, g.Save(ctx, storage.NewSnapshot()))
	snap, err := g.Load(ctx)
	require.NoError(t, err)
	assert.NotNil(t, snap)

	require.NoError(t, g.Append(ctx, types.AuditRecord{InvoiceID: "INV-1"}))
	records, err := g.ListAudit(ctx, storage.AuditListOptions{})
	require.NoError(t, err)
	assert.Len(t, records, 1)

	m := g.Metrics()
	assert.Equal(t, uint64(4), m.TotalSuccesses)
	assert.Equal(t, "closed", m.State)
}

func TestGuardedOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &flakyBackend{failing: true}
	g := storage.NewGuarded(inner, storage.BreakerConfig{MaxFailures: 2, Timeout: time.Hour, HalfOpenMaxSuccesses: 1})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := g.Save(ctx, storage.NewSnapshot())
		assert.ErrorIs(t, err, errDown)
	}
	assert.Equal(t, "open", g.State())

	callsBefore := inner.calls
	_, err := g.Load(ctx)
	assert.ErrorIs(t, err, storage.ErrCircuitOpen)
	assert.Equal(t, callsBefore, inner.calls, "an open circuit must not reach the backend")

	// The audit breaker is independent.
	inner.failing = false
	assert.NoError(t, g.Append(ctx, types.AuditRecord{InvoiceID: "INV-1"}))

	m := g.Metrics()
	assert.Equal(t, uint64(2), m.TotalFailures)
	assert.Equal(t, uint64(1), m.Rejected)
}

func TestGuardedHonoursCancelledContext(t *testing.T) {
	g := storage.NewGuarded(&flakyBackend{}, storage.DefaultBreakerConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := g.Save(ctx, storage.NewSnapshot())
	assert.ErrorIs(t, err, context.Canceled)
}
