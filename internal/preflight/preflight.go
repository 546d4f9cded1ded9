// Package preflight dry-runs a built transaction against current chain state.
//
// A simulation performs an eth_call, estimates gas, reads the balances and
// allowances the action touches, projects their post-transaction values and
// scores the result. It never mutates chain state, and results are never
// cached: chain state may change between any two calls.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/mbd888/signgate/internal/chain"
	"github.com/mbd888/signgate/internal/intent"
	"github.com/mbd888/signgate/internal/metrics"
	"github.com/mbd888/signgate/internal/risk"
	"github.com/mbd888/signgate/internal/txbuild"
)

// DefaultTimeout bounds one simulation including every RPC read.
const DefaultTimeout = 10 * time.Second

// NativeAsset labels native-balance diffs.
const NativeAsset = "native"

var ErrNoClient = errors.New("preflight: no RPC client")

// BalanceDiff is the projected change of one asset balance.
type BalanceDiff struct {
	Asset  string `json:"asset"`
	Owner  string `json:"owner"`
	Before string `json:"before"`
	After  string `json:"after"`
	Delta  string `json:"delta"` // signed
}

// AllowanceDiff is the projected change of one ERC-20 allowance.
type AllowanceDiff struct {
	Token   string `json:"token"`
	Owner   string `json:"owner"`
	Spender string `json:"spender"`
	Before  string `json:"before"`
	After   string `json:"after"`
}

// Result is the outcome of one simulation.
type Result struct {
	IntentID       string          `json:"intentId"`
	Success        bool            `json:"simulationSuccess"`
	RevertReason   string          `json:"revertReason,omitempty"`
	GasEstimate    uint64          `json:"gasEstimate"`
	BalanceDiffs   []BalanceDiff   `json:"balanceDiffs"`
	AllowanceDiffs []AllowanceDiff `json:"allowanceDiffs"`
	RiskScore      int             `json:"riskScore"`
	RiskReasons    []string        `json:"riskReasons"`
	Warnings       []string        `json:"warnings"`
}

// Settings carry the policy inputs the scorer compares against.
type Settings struct {
	Lists        risk.Allowlists
	Thresholds   risk.Thresholds
	MaxRiskScore int
	Timeout      time.Duration
}

// Simulator runs preflight simulations.
type Simulator struct {
	settings Settings
	logger   *slog.Logger
}

// NewSimulator creates a simulator.
func NewSimulator(settings Settings, logger *slog.Logger) *Simulator {
	if settings.Timeout <= 0 {
		settings.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{settings: settings, logger: logger}
}

// Simulate dry-runs plan for in against rpc. RPC failures and timeouts are
// reported as a failed simulation, not as an error.
func (s *Simulator) Simulate(ctx context.Context, in *intent.Intent, plan *txbuild.Plan, rpc chain.Client) (*Result, error) {
	if rpc == nil {
		return nil, ErrNoClient
	}
	if in == nil || plan == nil {
		return nil, fmt.Errorf("preflight: intent and plan are required")
	}
	probes, err := intent.Visit[[]probe](in.Action, projector{wallet: in.WalletAddress()})
	if err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() { metrics.PreflightDuration.Observe(time.Since(start).Seconds()) }()

	ctx, cancel := context.WithTimeout(ctx, s.settings.Timeout)
	defer cancel()

	res := &Result{
		IntentID:       in.ID,
		BalanceDiffs:   []BalanceDiff{},
		AllowanceDiffs: []AllowanceDiff{},
		Warnings:       []string{},
	}

	msg, err := callMsg(plan.Request)
	if err != nil {
		return nil, err
	}

	res.Success = true
	if _, err := rpc.Call(ctx, msg); err != nil {
		res.Success = false
		res.RevertReason = revertReason(err)
	}

	gas, err := rpc.EstimateGas(ctx, msg)
	switch {
	case err == nil:
		res.GasEstimate = gas
	case !res.Success:
		res.GasEstimate = 0
	default:
		res.Success = false
		res.RevertReason = "gas estimation failed: " + revertReason(err)
	}

	for _, p := range probes {
		if err := s.read(ctx, rpc, p, res); err != nil {
			res.Success = false
			res.Warnings = append(res.Warnings, fmt.Sprintf("state read failed: %v", err))
			if res.RevertReason == "" {
				res.RevertReason = err.Error()
			}
			break
		}
	}

	rc, err := risk.BuildContext(in, s.settings.Lists, s.settings.Thresholds, !res.Success, res.GasEstimate)
	if err != nil {
		return nil, err
	}
	assessment := risk.Score(rc)
	res.RiskScore = assessment.Score
	res.RiskReasons = assessment.Reasons

	if res.RevertReason != "" {
		res.Warnings = append(res.Warnings, "transaction would revert: "+res.RevertReason)
	}
	if s.settings.MaxRiskScore > 0 && res.RiskScore >= s.settings.MaxRiskScore {
		res.Warnings = append(res.Warnings, fmt.Sprintf("risk score %d at or above max %d", res.RiskScore, s.settings.MaxRiskScore))
	}
	if res.GasEstimate > risk.HighGasWatermark {
		res.Warnings = append(res.Warnings, fmt.Sprintf("gas estimate %d above %d", res.GasEstimate, risk.HighGasWatermark))
	}

	s.logger.Debug("preflight completed",
		"intentId", in.ID,
		"chainId", in.Chain.ChainID,
		"success", res.Success,
		"gas", res.GasEstimate,
		"riskScore", res.RiskScore,
	)
	return res, nil
}

func (s *Simulator) read(ctx context.Context, rpc chain.Client, p probe, res *Result) error {
	switch p.kind {
	case probeNative:
		before, err := rpc.ReadNativeBalance(ctx, p.owner)
		if err != nil {
			return err
		}
		res.addBalance(NativeAsset, p.owner, before, p.delta)
	case probeToken:
		before, err := rpc.ReadBalance(ctx, p.token, p.owner)
		if err != nil {
			return err
		}
		res.addBalance(p.token.Hex(), p.owner, before, p.delta)
	case probeAllowance:
		before, err := rpc.ReadAllowance(ctx, p.token, p.owner, p.spender)
		if err != nil {
			return err
		}
		after := p.set
		if after == nil {
			after = new(big.Int).Add(before, p.delta)
		}
		res.AllowanceDiffs = append(res.AllowanceDiffs, AllowanceDiff{
			Token:   p.token.Hex(),
			Owner:   p.owner.Hex(),
			Spender: p.spender.Hex(),
			Before:  before.String(),
			After:   after.String(),
		})
		if after.Sign() < 0 {
			res.Warnings = append(res.Warnings, fmt.Sprintf("allowance of %s for %s is insufficient", p.token.Hex(), p.spender.Hex()))
		}
	}
	return nil
}

func (r *Result) addBalance(asset string, owner common.Address, before, delta *big.Int) {
	after := new(big.Int).Add(before, delta)
	r.BalanceDiffs = append(r.BalanceDiffs, BalanceDiff{
		Asset:  asset,
		Owner:  owner.Hex(),
		Before: before.String(),
		After:  after.String(),
		Delta:  delta.String(),
	})
	if after.Sign() < 0 {
		r.Warnings = append(r.Warnings, fmt.Sprintf("insufficient %s balance", asset))
	}
}

func callMsg(req txbuild.TxRequest) (ethereum.CallMsg, error) {
	to := common.HexToAddress(req.To)
	value, ok := new(big.Int).SetString(req.Value, 10)
	if !ok {
		return ethereum.CallMsg{}, fmt.Errorf("preflight: bad value %q", req.Value)
	}
	data, err := hexutil.Decode(req.Data)
	if err != nil {
		return ethereum.CallMsg{}, fmt.Errorf("preflight: bad data: %w", err)
	}
	return ethereum.CallMsg{
		From:  common.HexToAddress(req.From),
		To:    &to,
		Value: value,
		Data:  data,
	}, nil
}

func revertReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "simulation timed out"
	}
	if data, ok := chain.RevertData(err); ok && len(data) > 0 {
		if reason, uerr := abi.UnpackRevert(data); uerr == nil {
			return reason
		}
		return "execution reverted: " + hexutil.Encode(data)
	}
	return err.Error()
}
