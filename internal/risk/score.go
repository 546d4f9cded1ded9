package risk

import (
	"fmt"
	"sort"

	"github.com/mbd888/signgate/internal/intent"
)

// Score evaluates a context. Pure, no I/O.
func Score(c Context) Assessment {
	factors := make(map[string]int)
	var reasons []string
	add := func(name string, weight int, reason string) {
		factors[name] = weight
		reasons = append(reasons, reason)
	}

	if c.SimulationFailed {
		add("simulation", WeightSimulationFailed, "simulated call failed")
	}
	if !c.TokensAllowlisted {
		add("token_allowlist", WeightTokenNotAllowed, "token not in allowlist")
	}
	if !c.ContractAllowlisted {
		add("contract_allowlist", WeightContractNotAllowed, "contract not in allowlist")
	}
	if !c.RecipientAllowlisted {
		add("recipient_allowlist", WeightRecipientNotAllowed, "recipient not in allowlist")
	}

	switch {
	case c.SlippageBps > slippageHighBps:
		add("slippage", WeightSlippageHigh, fmt.Sprintf("slippage tolerance %d bps exceeds %d bps", c.SlippageBps, slippageHighBps))
	case c.SlippageBps > slippageElevatedBps:
		add("slippage", WeightSlippageElevated, fmt.Sprintf("slippage tolerance %d bps exceeds %d bps", c.SlippageBps, slippageElevatedBps))
	}

	if c.Value != nil {
		if t := c.Thresholds.MaxValueWei; t != nil && c.Value.Cmp(t) > 0 {
			add("value", WeightAboveMaxValue, fmt.Sprintf("value %s exceeds max %s", c.Value, t))
		} else if t := c.Thresholds.RequireApprovalAbove; t != nil && c.Value.Cmp(t) > 0 {
			add("value", WeightAboveApproval, fmt.Sprintf("value %s above approval threshold %s", c.Value, t))
		}
	}

	if c.ApprovalAmount != nil {
		if c.ApprovalAmount.Cmp(intent.MaxUint256) == 0 {
			add("approval", WeightUnlimitedApproval, "unlimited token approval")
		} else if t := c.Thresholds.MaxApprovalAmount; t != nil && c.ApprovalAmount.Cmp(t) > 0 {
			add("approval", WeightApprovalAboveMax, fmt.Sprintf("approval amount %s exceeds max %s", c.ApprovalAmount, t))
		}
	}

	if c.GasEstimate > HighGasWatermark {
		add("gas", WeightHighGas, fmt.Sprintf("gas estimate %d above %d", c.GasEstimate, HighGasWatermark))
	}

	score := 0
	for _, w := range factors {
		score += w
	}
	if score > MaxScore {
		score = MaxScore
	}

	sort.Strings(reasons)
	return Assessment{
		Score:   score,
		Level:   LevelOf(score),
		Factors: factors,
		Reasons: reasons,
	}
}

// LevelOf buckets a score.
func LevelOf(score int) Level {
	switch {
	case score >= HighThreshold:
		return LevelHigh
	case score >= ElevatedThreshold:
		return LevelElevated
	default:
		return LevelLow
	}
}
