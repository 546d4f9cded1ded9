package policy

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Window is the rolling rate-limit window.
const Window = time.Hour

// Counter records per-wallet transaction ticks over a rolling Window.
type Counter interface {
	Count(ctx context.Context, wallet string, now time.Time) (int, error)
	Tick(ctx context.Context, wallet string, now time.Time) error
}

// MemoryCounter is an in-process Counter. Stale entries are pruned lazily on
// access and by an explicitly owned sweep loop (Start/Stop).
type MemoryCounter struct {
	mu       sync.Mutex
	ticks    map[string][]time.Time
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	once     sync.Once
}

// NewMemoryCounter creates an empty counter.
func NewMemoryCounter(logger *slog.Logger) *MemoryCounter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryCounter{
		ticks:    make(map[string][]time.Time),
		interval: 5 * time.Minute,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

func (m *MemoryCounter) Count(_ context.Context, wallet string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(wallet)
	m.ticks[key] = prune(m.ticks[key], now)
	return len(m.ticks[key]), nil
}

func (m *MemoryCounter) Tick(_ context.Context, wallet string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(wallet)
	m.ticks[key] = append(prune(m.ticks[key], now), now)
	return nil
}

// Start runs the sweep loop until ctx is done or Stop is called. Call in a
// goroutine.
func (m *MemoryCounter) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case now := <-ticker.C:
			if n := m.Sweep(now); n > 0 {
				m.logger.Debug("rate counter swept", "wallets", n)
			}
		}
	}
}

// Stop ends the sweep loop. Safe to call more than once.
func (m *MemoryCounter) Stop() {
	m.once.Do(func() { close(m.stop) })
}

// Sweep drops wallets with no ticks inside the window and returns how many
// were removed.
func (m *MemoryCounter) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, ts := range m.ticks {
		ts = prune(ts, now)
		if len(ts) == 0 {
			delete(m.ticks, k)
			removed++
			continue
		}
		m.ticks[k] = ts
	}
	return removed
}

func prune(ts []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-Window)
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}
