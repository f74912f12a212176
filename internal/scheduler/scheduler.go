// Package scheduler implements the pulse dispatch loop: a 1-second poll
// tick that claims due pulses up to the available concurrency budget and
// hands each to a dispatch function without blocking the loop.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reubenjohn/reeve-bot/internal/pulsestore"
)

const (
	defaultPollInterval = time.Second
	maxFetchPerTick     = 10
	loopErrorBackoff    = 5 * time.Second
)

// DispatchFunc executes one claimed pulse. It is called in its own
// goroutine and must not block the scheduler loop beyond its own work.
type DispatchFunc func(ctx context.Context, pulse *pulsestore.Pulse)

// Config holds the scheduler's dependencies.
type Config struct {
	Store         *pulsestore.Store
	Logger        *slog.Logger
	MaxConcurrent int
	PollInterval  time.Duration
	Dispatch      DispatchFunc
}

// Scheduler polls the store for due pulses and dispatches them up to a
// bounded concurrency budget.
type Scheduler struct {
	store         *pulsestore.Store
	logger        *slog.Logger
	maxConcurrent int
	pollInterval  time.Duration
	dispatch      DispatchFunc

	inFlight atomic.Int32

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Scheduler. MaxConcurrent must be positive; PollInterval
// defaults to 1 second when zero.
func New(cfg Config) *Scheduler {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:         cfg.Store,
		logger:        logger,
		maxConcurrent: cfg.MaxConcurrent,
		pollInterval:  interval,
		dispatch:      cfg.Dispatch,
	}
}

// Start begins the poll loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "poll_interval", s.pollInterval, "max_concurrent", s.maxConcurrent)
}

// Stop cancels the poll loop and waits for it to exit. It does not wait
// for in-flight dispatched executions; that is the engine's job during
// its drain sequence.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// InFlight returns the current number of dispatched-but-not-yet-finished
// pulses.
func (s *Scheduler) InFlight() int32 {
	return s.inFlight.Load()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fetches and dispatches one batch of due pulses. A failure here
// (e.g. the store is briefly unreachable) is logged and absorbed by a
// longer backoff before the next regular tick, rather than terminating
// the loop.
func (s *Scheduler) tick(ctx context.Context) {
	available := int(s.maxConcurrent) - int(s.inFlight.Load())
	if available <= 0 {
		return
	}
	fetchLimit := available
	if fetchLimit > maxFetchPerTick {
		fetchLimit = maxFetchPerTick
	}

	due, err := s.store.GetDue(ctx, fetchLimit)
	if err != nil {
		s.logger.Error("scheduler: failed to fetch due pulses", "error", err)
		select {
		case <-ctx.Done():
		case <-time.After(loopErrorBackoff):
		}
		return
	}

	for _, pulse := range due {
		ok, err := s.store.MarkProcessing(ctx, pulse.ID)
		if err != nil {
			s.logger.Error("scheduler: failed to mark pulse processing", "pulse_id", pulse.ID, "error", err)
			continue
		}
		if !ok {
			// Already claimed, cancelled, or otherwise no longer PENDING.
			continue
		}

		pulse.Status = pulsestore.StatusProcessing
		s.inFlight.Add(1)
		go func(p *pulsestore.Pulse) {
			defer s.inFlight.Add(-1)
			s.dispatch(ctx, p)
		}(pulse)
	}
}
