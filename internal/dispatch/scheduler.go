package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ignite/newsletter-queue/internal/provider"
)

// DefaultInterval is the cadence used when none is configured.
const DefaultInterval = time.Minute

// Scheduler triggers a Runner on a fixed interval.
type Scheduler struct {
	runner   *Runner
	interval time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewScheduler creates a Scheduler.
func NewScheduler(runner *Runner, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{runner: runner, interval: interval}
}

// Start begins the loop. The first cycle runs immediately.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())

	log.Printf("[DispatchScheduler] Starting with interval: %v", s.interval)

	s.wg.Add(1)
	go s.loop()
	return nil
}

// Stop ends the loop and waits for an in-flight cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	log.Printf("[DispatchScheduler] Stopped")
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	res, err := s.runner.Run(s.ctx)
	switch {
	case errors.Is(err, context.Canceled):
	case errors.Is(err, provider.ErrConfiguration):
		log.Printf("[DispatchScheduler] Cycle aborted, provider misconfigured: %v", err)
	case err != nil:
		log.Printf("[DispatchScheduler] Cycle error: %v", err)
	case res.Skipped:
		log.Printf("[DispatchScheduler] Another cycle holds the dispatch lock, skipping")
	case res.Claimed > 0:
		log.Printf("[DispatchScheduler] Cycle: claimed=%d sent=%d retried=%d failed=%d rate_limited=%v",
			res.Claimed, res.Sent, res.Retried, res.Failed, res.RateLimited)
	}
}
