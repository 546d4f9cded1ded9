// Package watcher follows broadcast transactions until they are mined.
//
// Each tracked hash is polled for a receipt. A successful receipt records
// tx_confirmed, a failed one tx_reverted; a hash that stays unknown past
// MaxAge is recorded as tx_dropped and forgotten.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/mbd888/signgate/internal/audit"
	"github.com/mbd888/signgate/internal/chain"
	"github.com/mbd888/signgate/internal/metrics"
)

// Config for the receipt watcher
type Config struct {
	PollInterval time.Duration
	MaxAge       time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PollInterval: 15 * time.Second,
		MaxAge:       30 * time.Minute,
	}
}

type tracked struct {
	intentID string
	chainID  int64
	hash     common.Hash
	since    time.Time
}

// Watcher polls receipts for broadcast transactions.
type Watcher struct {
	chains chain.Router
	sink   audit.Sink
	config Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending map[common.Hash]*tracked

	stop chan struct{}
	once sync.Once
}

// New creates a watcher. Zero Config fields take their defaults.
func New(cfg Config, chains chain.Router, sink audit.Sink, logger *slog.Logger) *Watcher {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		chains:  chains,
		sink:    sink,
		config:  cfg,
		logger:  logger,
		now:     time.Now,
		pending: make(map[common.Hash]*tracked),
		stop:    make(chan struct{}),
	}
}

// Track starts following hash. Tracking the same hash twice is a no-op.
func (w *Watcher) Track(intentID string, chainID int64, hash common.Hash) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.pending[hash]; ok {
		return
	}
	w.pending[hash] = &tracked{intentID: intentID, chainID: chainID, hash: hash, since: w.now()}
}

// Pending returns how many hashes are still awaiting a receipt.
func (w *Watcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Start runs the poll loop until ctx is done or Stop is called. Call in a
// goroutine.
func (w *Watcher) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.Poll(ctx)
		}
	}
}

// Stop ends the loop. Safe to call more than once.
func (w *Watcher) Stop() {
	w.once.Do(func() { close(w.stop) })
}

// Poll checks every tracked hash once.
func (w *Watcher) Poll(ctx context.Context) {
	w.mu.Lock()
	batch := make([]*tracked, 0, len(w.pending))
	for _, t := range w.pending {
		batch = append(batch, t)
	}
	w.mu.Unlock()

	for _, t := range batch {
		if ctx.Err() != nil {
			return
		}
		if done := w.check(ctx, t); done {
			w.mu.Lock()
			delete(w.pending, t.hash)
			w.mu.Unlock()
		}
	}
}

func (w *Watcher) check(ctx context.Context, t *tracked) bool {
	c := chain.Resolve(w.chains, t.chainID)
	if c == nil {
		w.logger.Warn("no rpc for tracked transaction", "chainId", t.chainID, "txHash", t.hash.Hex())
		return true
	}

	receipt, err := c.GetTransactionReceipt(ctx, t.hash)
	switch {
	case errors.Is(err, ethereum.NotFound):
		if w.now().Sub(t.since) < w.config.MaxAge {
			return false
		}
		w.finish(ctx, t, audit.TxDropped, "dropped", map[string]any{"txHash": t.hash.Hex()})
		return true
	case err != nil:
		w.logger.Debug("receipt lookup failed", "txHash", t.hash.Hex(), "error", err)
		return false
	}

	payload := map[string]any{
		"txHash":  t.hash.Hex(),
		"gasUsed": receipt.GasUsed,
	}
	if receipt.BlockNumber != nil {
		payload["blockNumber"] = receipt.BlockNumber.Uint64()
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		w.finish(ctx, t, audit.TxConfirmed, "confirmed", payload)
	} else {
		w.finish(ctx, t, audit.TxReverted, "reverted", payload)
	}
	return true
}

func (w *Watcher) finish(ctx context.Context, t *tracked, name, status string, payload map[string]any) {
	metrics.TxReceiptsTotal.WithLabelValues(status).Inc()
	w.logger.Info("transaction "+status, "intentId", t.intentID, "chainId", t.chainID, "txHash", t.hash.Hex())
	if err := audit.Record(ctx, w.sink, t.intentID, name, payload); err != nil {
		w.logger.Warn("audit record failed", "event", name, "intentId", t.intentID, "error", err)
	}
}
