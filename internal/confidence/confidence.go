// Package confidence implements the confidence lifecycle arithmetic shared by
// every memory record: initial value, reinforcement with diminishing returns,
// fixed penalties, time decay and the deactivation threshold. No other package
// computes confidence values directly.
package confidence

import (
	"math"
	"time"

	"github.com/scrypster/invoicemem/internal/config"
)

const (
	// MinConfidence and MaxConfidence bound every stored confidence value.
	MinConfidence = 0.0
	MaxConfidence = 1.0

	// DeactivationThreshold is the confidence below which a memory is
	// deactivated and excluded from recall.
	DeactivationThreshold = 0.1

	// initialConfidence is plausible but below any auto-apply threshold.
	initialConfidence = 0.3

	// Starting values for memories created with stronger evidence than a
	// single unreviewed observation.
	AutoApprovedVendor = 0.5
	ApprovedCorrection = 0.7
	NewResolution      = 0.6

	// UnknownVendorBase stands in for vendor confidence when no vendor
	// memory was recalled.
	UnknownVendorBase = 0.5

	// HumanApprovalFloor is the minimum decision confidence after a human
	// approves an invoice.
	HumanApprovalFloor = 0.9

	// reinforceRate is the share of remaining headroom gained per reinforcement.
	reinforceRate = 0.25

	// reinforceFloor guarantees progress when headroom is nearly exhausted.
	reinforceFloor = 0.01

	// penaltyDelta is subtracted on every contradiction.
	penaltyDelta = 0.1

	// decayGraceDays is the idle period during which no decay applies.
	decayGraceDays = 30.0

	// DecayGracePeriod is decayGraceDays as a duration.
	DecayGracePeriod = time.Duration(decayGraceDays) * 24 * time.Hour

	// confidencePrecision rounds stored values so that fixed-delta arithmetic
	// does not drift across thresholds (0.3 - 0.1 - 0.1 stays 0.1).
	confidencePrecision = 1e6
)

// Engine computes confidence transitions. All methods are pure.
type Engine struct {
	decayRate             float64
	minReinforcementCount int
	maxContradictionRatio float64
}

// New returns an engine tuned by the pipeline configuration.
func New(cfg config.PipelineConfig) *Engine {
	return &Engine{
		decayRate:             cfg.MemoryDecayRate,
		minReinforcementCount: cfg.MinReinforcementCount,
		maxContradictionRatio: cfg.MaxContradictionRatio,
	}
}

// Default returns an engine with the default pipeline tuning.
func Default() *Engine {
	return New(config.DefaultPipelineConfig())
}

// Clamp bounds c to [MinConfidence, MaxConfidence] and rounds it.
func Clamp(c float64) float64 {
	if math.IsNaN(c) {
		return MinConfidence
	}
	return Bound(math.Round(c*confidencePrecision) / confidencePrecision)
}

// Bound limits c to [MinConfidence, MaxConfidence] without rounding. NaN
// becomes MinConfidence.
func Bound(c float64) float64 {
	if math.IsNaN(c) {
		return MinConfidence
	}
	return math.Min(math.Max(c, MinConfidence), MaxConfidence)
}

// Initial returns the starting confidence of a memory created without
// explicit approval.
func (e *Engine) Initial() float64 {
	return initialConfidence
}

// Reinforce moves c toward MaxConfidence with diminishing returns.
//
//	c' = c + max(reinforceRate * (MAX - c), reinforceFloor)
func (e *Engine) Reinforce(c float64) float64 {
	headroom := MaxConfidence - c
	if headroom < 0 {
		headroom = 0
	}
	return Clamp(c + math.Max(headroom*reinforceRate, reinforceFloor))
}

// Penalize subtracts a fixed delta from c.
func (e *Engine) Penalize(c float64) float64 {
	return Clamp(c - penaltyDelta)
}

// ShouldDeactivate reports whether c is below the deactivation threshold.
func (e *Engine) ShouldDeactivate(c float64) bool {
	return c < DeactivationThreshold
}

// ApplyDecay returns the decayed confidence for a memory last updated at
// lastUpdated. Inside the grace window the value is unchanged; beyond it
//
//	c' = c * (1 - decayRate) ^ daysBeyondGrace
//
// The result is bounded but not rounded, so any idle time past the window
// lowers a positive confidence.
func (e *Engine) ApplyDecay(c float64, lastUpdated, now time.Time) float64 {
	days := now.Sub(lastUpdated).Hours() / 24.0
	if days <= decayGraceDays || e.decayRate <= 0 {
		return c
	}
	beyond := days - decayGraceDays
	decayed := Bound(c * math.Pow(1-e.decayRate, beyond))
	if decayed >= c && c > MinConfidence {
		// Below float resolution; still take the smallest step down.
		decayed = math.Nextafter(c, MinConfidence)
	}
	return decayed
}

// DecayReference returns the lastUpdated value to pass to ApplyDecay for a
// record last touched at updatedAt and last decayed at decayedAt, so that
// repeated maintenance runs only apply decay accrued since the previous run.
func DecayReference(updatedAt time.Time, decayedAt *time.Time) time.Time {
	if decayedAt == nil || !decayedAt.After(updatedAt.Add(DecayGracePeriod)) {
		return updatedAt
	}
	return decayedAt.Add(-DecayGracePeriod)
}

// Weighted rescales base by how consistently the memory has been confirmed.
// Zero interactions count as fully reinforced. When contradictions exceed
// the configured ratio the factor is halved again.
func (e *Engine) Weighted(base float64, reinforcements, contradictions int) float64 {
	total := reinforcements + contradictions
	ratio := 1.0
	if total > 0 {
		ratio = float64(reinforcements) / float64(total)
	}

	factor := 0.5 + 0.5*ratio
	if total > 0 && float64(contradictions)/float64(total) > e.maxContradictionRatio {
		factor *= 0.5
	}
	return Clamp(base * factor)
}

// Trusted reports whether a correction memory has enough history to be
// applied without review.
func (e *Engine) Trusted(reinforcements int, humanApproved bool) bool {
	return humanApproved || reinforcements >= e.minReinforcementCount
}

// Aggregate combines vendor and correction confidence into the invoice-level
// score. With no correction output the vendor confidence stands in for the
// correction share, so invoices without correction history are not
// double-penalised.
//
//	score = vendor*0.6 + correction*0.4
func Aggregate(vendor float64, corrections []float64) float64 {
	correction := vendor
	if len(corrections) > 0 {
		sum := 0.0
		for _, c := range corrections {
			sum += c
		}
		correction = sum / float64(len(corrections))
	}
	return Clamp(vendor*0.6 + correction*0.4)
}

// Scale multiplies c by factor and clamps the result.
func Scale(c, factor float64) float64 {
	return Clamp(c * factor)
}

// AtLeast raises c to floor when it is lower.
func AtLeast(c, floor float64) float64 {
	return Clamp(math.Max(c, floor))
}
