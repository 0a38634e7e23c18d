package storage

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/scrypster/invoicemem/pkg/types"
)

// BreakerConfig configures the circuit breaker in front of a Backend.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures required to trip the circuit.
	// Default: 3
	MaxFailures uint32

	// Timeout is the duration the circuit stays open before transitioning to half-open.
	// Default: 30 seconds
	Timeout time.Duration

	// HalfOpenMaxSuccesses is the number of trial calls allowed in half-open state.
	// Default: 1
	HalfOpenMaxSuccesses uint32
}

// DefaultBreakerConfig returns the breaker tuning used by the CLI and server.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:          3,
		Timeout:              30 * time.Second,
		HalfOpenMaxSuccesses: 1,
	}
}

// BreakerMetrics counts calls routed through a Guarded backend.
type BreakerMetrics struct {
	TotalRequests  uint64 `json:"totalRequests"`
	TotalSuccesses uint64 `json:"totalSuccesses"`
	TotalFailures  uint64 `json:"totalFailures"`
	Rejected       uint64 `json:"rejected"`
	State          string `json:"state"`
}

// Guarded wraps a Backend with a circuit breaker so a database outage turns
// into fast ErrCircuitOpen failures instead of a pile of blocked requests.
//
// Load and Save share one breaker; audit appends use a second one so that a
// broken audit table does not block snapshot saves.
type Guarded struct {
	inner    Backend
	snapshot *gobreaker.CircuitBreaker
	audit    *gobreaker.CircuitBreaker

	mu      sync.Mutex
	metrics BreakerMetrics
}

// NewGuarded wraps inner.
func NewGuarded(inner Backend, cfg BreakerConfig) *Guarded {
	g := &Guarded{inner: inner}
	g.snapshot = gobreaker.NewCircuitBreaker(breakerSettings("storage-snapshot", cfg))
	g.audit = gobreaker.NewCircuitBreaker(breakerSettings("storage-audit", cfg))
	return g
}

func breakerSettings(name string, cfg BreakerConfig) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenMaxSuccesses,
		Interval:    0, // Don't clear counts periodically
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("storage: circuit %s changed from %s to %s", name, from, to)
		},
	}
}

// Load implements SnapshotStore.
func (g *Guarded) Load(ctx context.Context) (*Snapshot, error) {
	result, err := g.execute(ctx, g.snapshot, func() (interface{}, error) {
		return g.inner.Load(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Snapshot), nil
}

// Save implements SnapshotStore.
func (g *Guarded) Save(ctx context.Context, snapshot *Snapshot) error {
	_, err := g.execute(ctx, g.snapshot, func() (interface{}, error) {
		return nil, g.inner.Save(ctx, snapshot)
	})
	return err
}

// Append implements AuditSink.
func (g *Guarded) Append(ctx context.Context, record types.AuditRecord) error {
	_, err := g.execute(ctx, g.audit, func() (interface{}, error) {
		return nil, g.inner.Append(ctx, record)
	})
	return err
}

// ListAudit implements AuditReader.
func (g *Guarded) ListAudit(ctx context.Context, opts AuditListOptions) ([]types.AuditRecord, error) {
	result, err := g.execute(ctx, g.audit, func() (interface{}, error) {
		return g.inner.ListAudit(ctx, opts)
	})
	if err != nil {
		return nil, err
	}
	return result.([]types.AuditRecord), nil
}

// Close closes the wrapped backend.
func (g *Guarded) Close() error {
	return g.inner.Close()
}

// State returns the snapshot breaker state: "closed", "open" or "half-open".
func (g *Guarded) State() string {
	return g.snapshot.State().String()
}

// Metrics returns call counters for both breakers combined.
func (g *Guarded) Metrics() BreakerMetrics {
	g.mu.Lock()
	defer g.mu.Unlock()

	m := g.metrics
	m.State = g.State()
	return m
}

func (g *Guarded) execute(ctx context.Context, cb *gobreaker.CircuitBreaker, fn func() (interface{}, error)) (interface{}, error) {
	// Check if context is already cancelled
	select {
	case <-ctx.Done():
		g.record(ctx.Err())
		return nil, ctx.Err()
	default:
	}

	result, err := cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			g.reject()
			return nil, ErrCircuitOpen
		}
		g.record(err)
		return nil, err
	}
	g.record(nil)
	return result, nil
}

func (g *Guarded) record(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.metrics.TotalRequests++
	if err != nil {
		g.metrics.TotalFailures++
	} else {
		g.metrics.TotalSuccesses++
	}
}

func (g *Guarded) reject() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.metrics.TotalRequests++
	g.metrics.Rejected++
}
