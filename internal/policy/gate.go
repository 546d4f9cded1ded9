package policy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/signgate/internal/intent"
	"github.com/mbd888/signgate/internal/metrics"
	"github.com/mbd888/signgate/internal/syncutil"
)

// Gate wraps Evaluate with the per-wallet rate counter.
type Gate struct {
	cfg     *Config
	counter Counter
	locks   *syncutil.KeyedLocks
	logger  *slog.Logger
	now     func() time.Time
}

// NewGate creates a gate over a private copy of cfg.
func NewGate(cfg *Config, counter Counter, logger *slog.Logger) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		cfg:     cfg.Clone(),
		counter: counter,
		locks:   syncutil.NewKeyedLocks(),
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Config returns a copy of the active policy.
func (g *Gate) Config() *Config { return g.cfg.Clone() }

// Rate selects how Check applies the per-wallet rate limit. Each
// transaction takes one slot: a require_approval transaction when it is
// approved, an allow transaction when it is signed.
type Rate int

const (
	// RateOff evaluates without the recent transaction count.
	RateOff Rate = iota
	// RateReserve applies the limit and ticks only require_approval verdicts.
	RateReserve
	// RateCommit applies the limit to intents that are allowed without it and
	// ticks if they remain allowed. A require_approval verdict passes through
	// uncounted; its slot was taken when it was approved.
	RateCommit
)

func (r Rate) String() string {
	switch r {
	case RateReserve:
		return "reserve"
	case RateCommit:
		return "commit"
	default:
		return "off"
	}
}

func (r Rate) ticks(v Verdict) bool {
	switch r {
	case RateReserve:
		return v == RequireApproval
	case RateCommit:
		return v == Allow
	}
	return false
}

// Check evaluates in under the given rate mode. Counting, evaluation and the
// tick run under the wallet's lock so concurrent requests cannot overshoot
// the limit, and a deny never ticks.
func (g *Gate) Check(ctx context.Context, in *intent.Intent, riskScore *int, rate Rate) (Decision, error) {
	ec := EvalContext{RiskScore: riskScore}
	if rate == RateOff || g.counter == nil {
		d := Evaluate(in, g.cfg, ec)
		g.observe(in, d)
		return d, nil
	}

	wallet := in.WalletAddress().Hex()
	unlock, err := g.locks.Lock(ctx, wallet)
	if err != nil {
		return Decision{}, fmt.Errorf("policy: wallet lock: %w", err)
	}
	defer unlock()

	if rate == RateCommit {
		if d := Evaluate(in, g.cfg, ec); d.Decision != Allow {
			g.observe(in, d)
			return d, nil
		}
	}

	now := g.now()
	count, err := g.counter.Count(ctx, wallet, now)
	if err != nil {
		return Decision{}, fmt.Errorf("policy: rate count: %w", err)
	}
	ec.RecentTxCount = &count

	d := Evaluate(in, g.cfg, ec)
	if rate.ticks(d.Decision) {
		if err := g.counter.Tick(ctx, wallet, now); err != nil {
			return Decision{}, fmt.Errorf("policy: rate tick: %w", err)
		}
	}
	g.observe(in, d)
	return d, nil
}

func (g *Gate) observe(in *intent.Intent, d Decision) {
	metrics.PolicyDecisionsTotal.WithLabelValues(string(d.Decision)).Inc()
	g.logger.Info("policy evaluated",
		"intentId", in.ID,
		"wallet", in.Wallet.Address,
		"chainId", in.Chain.ChainID,
		"decision", d.Decision,
		"reasons", d.Reasons,
	)
}
