// Package scheduler decides when a query's batch should be refetched:
// either every N new blocks, or on a fixed timer. The two strategies are
// mutually exclusive for a given query, and neither runs for queries that
// are paused, static, or pinned to a historical block.
package scheduler

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"multiquery/internal/blockwatch"
)

// BlockScheduler triggers a refetch at most once every cadence blocks.
//
// The first real block observed after Start primes the throttle to that
// block minus one, so the next qualifying block triggers immediately
// instead of waiting a full window from an arbitrary epoch.
type BlockScheduler struct {
	cadence uint64
	refetch func()
	logger  zerolog.Logger

	mu          sync.Mutex
	lastFetched uint64
	primed      bool
	unsub       func()
}

// NewBlockScheduler creates a scheduler that refetches every cadence
// blocks. A zero cadence is treated as one.
func NewBlockScheduler(cadence uint64, refetch func(), logger zerolog.Logger) *BlockScheduler {
	if cadence == 0 {
		cadence = 1
	}
	return &BlockScheduler{
		cadence: cadence,
		refetch: refetch,
		logger:  logger.With().Str("component", "block-scheduler").Logger(),
	}
}

// Start subscribes to the notifier. Calling Start on a started scheduler
// is a no-op.
func (s *BlockScheduler) Start(notifier *blockwatch.Notifier) {
	s.mu.Lock()
	if s.unsub != nil {
		s.mu.Unlock()
		return
	}
	// Hold the slot before subscribing: Subscribe replays the last block
	// synchronously and onBlock must not race a concurrent Start.
	s.unsub = func() {}
	s.mu.Unlock()

	unsub := notifier.Subscribe(s.onBlock)
	s.mu.Lock()
	if s.unsub == nil {
		// Stop ran while subscribing (possible when the replayed block
		// triggers a refetch that stops the scheduler); release the fresh
		// subscription instead of leaking it.
		s.mu.Unlock()
		unsub()
		return
	}
	s.unsub = unsub
	s.mu.Unlock()
}

// Stop releases the notifier subscription. Idempotent; safe on every exit
// path.
func (s *BlockScheduler) Stop() {
	s.mu.Lock()
	unsub := s.unsub
	s.unsub = nil
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (s *BlockScheduler) onBlock(block uint64) {
	if block == 0 {
		return
	}

	s.mu.Lock()
	if !s.primed {
		s.lastFetched = block - 1
		s.primed = true
	}
	trigger := block >= s.lastFetched+s.cadence
	if trigger {
		s.lastFetched = block
	}
	s.mu.Unlock()

	if trigger {
		s.logger.Debug().Uint64("block", block).Msg("block cadence reached, refetching")
		s.refetch()
	}
}

// PollScheduler refetches on a fixed wall-clock interval, for queries that
// opt into time-based refreshing instead of block-driven refreshing.
type PollScheduler struct {
	interval time.Duration
	refetch  func()
	logger   zerolog.Logger

	mu   sync.Mutex
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewPollScheduler creates a timer-based scheduler.
func NewPollScheduler(interval time.Duration, refetch func(), logger zerolog.Logger) *PollScheduler {
	return &PollScheduler{
		interval: interval,
		refetch:  refetch,
		logger:   logger.With().Str("component", "poll-scheduler").Logger(),
	}
}

// Start launches the polling loop. No-op when already running or when the
// interval is not positive.
func (s *PollScheduler) Start() {
	if s.interval <= 0 {
		return
	}
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.stop = stop
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.refetch()
			}
		}
	}()
}

// Stop halts the polling loop and waits for it to exit. Idempotent.
func (s *PollScheduler) Stop() {
	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
		s.wg.Wait()
	}
}
