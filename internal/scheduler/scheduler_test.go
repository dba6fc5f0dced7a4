package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type countingSweeper struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingSweeper) RetryDueDispatches(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.err
}

func (c *countingSweeper) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestSchedulerSweepsImmediatelyAndOnTicks(t *testing.T) {
	sweeper := &countingSweeper{}
	s := New(sweeper, 10*time.Millisecond, slog.Default())

	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for sweeper.count() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("sweeps = %d after deadline, want >= 3", sweeper.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSchedulerStopHaltsSweeps(t *testing.T) {
	sweeper := &countingSweeper{}
	s := New(sweeper, 5*time.Millisecond, slog.Default())

	s.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	s.Stop()

	settled := sweeper.count()
	time.Sleep(30 * time.Millisecond)
	if got := sweeper.count(); got != settled {
		t.Errorf("sweeps after Stop: %d -> %d, want unchanged", settled, got)
	}
}

func TestSchedulerContextCancelStopsLoop(t *testing.T) {
	sweeper := &countingSweeper{}
	s := New(sweeper, 5*time.Millisecond, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	time.Sleep(15 * time.Millisecond)
	cancel()
	time.Sleep(15 * time.Millisecond)

	settled := sweeper.count()
	time.Sleep(30 * time.Millisecond)
	if got := sweeper.count(); got != settled {
		t.Errorf("sweeps after cancel: %d -> %d, want unchanged", settled, got)
	}
	s.wg.Wait()
}

func TestSchedulerKeepsTickingAfterSweepError(t *testing.T) {
	sweeper := &countingSweeper{err: errors.New("database locked")}
	s := New(sweeper, 5*time.Millisecond, slog.Default())

	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for sweeper.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("sweep loop stopped after first error")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDefaultInterval(t *testing.T) {
	s := New(&countingSweeper{}, 0, slog.Default())
	if s.interval != DefaultInterval {
		t.Errorf("interval = %v, want %v", s.interval, DefaultInterval)
	}
}
