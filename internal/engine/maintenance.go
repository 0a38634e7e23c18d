package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/scrypster/invoicemem/pkg/types"
)

// DecayScheduler runs decay maintenance on a fixed interval and flushes the
// store after every run that changed something.
type DecayScheduler struct {
	pipeline *Pipeline
	interval time.Duration

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	onRun func(updates []types.MemoryUpdate)
}

// NewDecayScheduler returns a scheduler for p. interval must be positive.
func NewDecayScheduler(p *Pipeline, interval time.Duration) (*DecayScheduler, error) {
	if p == nil {
		return nil, fmt.Errorf("engine: pipeline is required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("engine: decay interval must be positive, got %s", interval)
	}
	return &DecayScheduler{pipeline: p, interval: interval}, nil
}

// SetOnRun sets a callback fired after every scheduled run.
func (s *DecayScheduler) SetOnRun(callback func(updates []types.MemoryUpdate)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRun = callback
}

// RunOnce applies decay at the pipeline's current time and flushes.
func (s *DecayScheduler) RunOnce(ctx context.Context) ([]types.MemoryUpdate, error) {
	updates, err := s.pipeline.ApplyDecay(ctx, s.pipeline.now())
	if err != nil {
		return nil, err
	}
	if len(updates) > 0 {
		if _, err := s.pipeline.Flush(ctx); err != nil {
			return updates, err
		}
	}

	s.mu.Lock()
	callback := s.onRun
	s.mu.Unlock()
	if callback != nil {
		callback(updates)
	}
	return updates, nil
}

// Start begins the maintenance loop. The first run happens one interval
// after Start.
func (s *DecayScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("engine: decay scheduler already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = true

	go s.loop(loopCtx, s.done)
	log.Printf("engine: decay maintenance every %s", s.interval)
	return nil
}

func (s *DecayScheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updates, err := s.RunOnce(ctx)
			if err != nil {
				log.Printf("engine: decay maintenance failed: %v", err)
				continue
			}
			if len(updates) > 0 {
				log.Printf("engine: decay maintenance updated %d memories", len(updates))
			}
		}
	}
}

// Shutdown stops the loop and waits for an in-flight run to finish or ctx
// to expire.
func (s *DecayScheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return fmt.Errorf("engine: decay scheduler not started")
	}
	s.cancel()
	done := s.done
	s.started = false
	s.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine: decay scheduler shutdown: %w", ctx.Err())
	}
}
