package approval

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Sweeper deletes expired tokens on an interval. Consumed and expired
// tokens already fail validation; sweeping only bounds store growth.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once

	removed  atomic.Int64
	failures atomic.Int64
	lastRun  atomic.Int64 // unix seconds
}

// NewSweeper creates a sweeper running every interval (one minute when zero).
func NewSweeper(manager *Manager, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{manager: manager, interval: interval, logger: logger, stop: make(chan struct{})}
}

// Start sweeps once immediately and then every interval until ctx is done
// or Stop is called. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.Sweep(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Stop ends the loop. Safe to call more than once.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Sweep runs one pass, bounded by the interval.
func (s *Sweeper) Sweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()

	n, err := s.manager.Cleanup(ctx)
	s.lastRun.Store(time.Now().Unix())
	if err != nil {
		// Escalate once failures persist across several passes.
		if s.failures.Add(1) >= 3 {
			s.logger.Error("approval token sweep keeps failing", "failures", s.failures.Load(), "error", err)
		} else {
			s.logger.Warn("approval token sweep failed", "error", err)
		}
		return
	}
	s.failures.Store(0)
	if n > 0 {
		s.removed.Add(int64(n))
		s.logger.Info("expired approval tokens removed", "count", n)
	}
}

// Stats reports sweep counters.
func (s *Sweeper) Stats() map[string]any {
	return map[string]any{
		"removed":             s.removed.Load(),
		"consecutiveFailures": s.failures.Load(),
		"lastRun":             s.lastRun.Load(),
	}
}
