// Package scheduler drives the retry sweep on a fixed interval. The sweep
// operation itself stays idempotent and externally drivable; the scheduler
// only supplies the clock.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const DefaultInterval = 30 * time.Second

// Sweeper is the dispatch operation the scheduler drives.
type Sweeper interface {
	RetryDueDispatches(ctx context.Context) error
}

// Scheduler periodically sweeps the ledger for due retries.
type Scheduler struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *slog.Logger
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a scheduler. A non-positive interval falls back to the
// default.
func New(sweeper Sweeper, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		sweeper:  sweeper,
		interval: interval,
		logger:   logger.With("component", "scheduler"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the sweep loop. It returns immediately; the loop runs until
// Stop is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("starting retry sweep loop", "interval", s.interval)
	s.wg.Add(1)
	go s.tickLoop(ctx)
}

// Stop gracefully stops the scheduler and waits for an in-flight sweep.
func (s *Scheduler) Stop() {
	s.logger.Info("stopping retry sweep loop")
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("retry sweep loop stopped")
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	// Initial sweep immediately, so deliveries left over from a previous
	// run are picked up without waiting a full interval.
	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.logger.Warn("scheduler context cancelled, stopping sweep loop")
			return
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	s.logger.Debug("retry sweep tick")
	if err := s.sweeper.RetryDueDispatches(ctx); err != nil {
		s.logger.Error("retry sweep failed", "error", err)
	}
}
