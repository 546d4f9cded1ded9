// Package risk implements the preflight risk score for transaction intents.
//
// Every intent is scored from a fixed set of weighted factors: allowlist
// membership, slippage tolerance, simulated-call outcome, and how its value
// or approval amount compares with the configured thresholds. Scores range
// from 0 (safe) to 100 (high risk). Scoring is a pure function: identical
// contexts always produce identical assessments.
package risk

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/signgate/internal/intent"
)

// Level buckets a score for display.
type Level string

const (
	LevelLow      Level = "low"
	LevelElevated Level = "elevated"
	LevelHigh     Level = "high"
)

// Level boundaries.
const (
	ElevatedThreshold = 30
	HighThreshold     = 70
	MaxScore          = 100
)

// Factor weights.
const (
	WeightSimulationFailed    = 40
	WeightTokenNotAllowed     = 20
	WeightContractNotAllowed  = 20
	WeightRecipientNotAllowed = 10
	WeightSlippageElevated    = 10 // > 100 bps
	WeightSlippageHigh        = 20 // > 500 bps, replaces the elevated weight
	WeightAboveApproval       = 15
	WeightAboveMaxValue       = 30
	WeightApprovalAboveMax    = 30
	WeightUnlimitedApproval   = 40 // replaces the above-max weight
	WeightHighGas             = 5
)

const (
	slippageElevatedBps = 100
	slippageHighBps     = 500
	// HighGasWatermark is the gas estimate above which preflight warns.
	HighGasWatermark uint64 = 1_000_000
)

// Thresholds are the configured value limits a context is compared against.
// Nil means unlimited.
type Thresholds struct {
	MaxValueWei          *big.Int
	RequireApprovalAbove *big.Int
	MaxApprovalAmount    *big.Int
}

// Allowlists answers membership questions. An empty list permits everything.
type Allowlists interface {
	TokenAllowed(addr common.Address) bool
	ContractAllowed(addr common.Address) bool
	RecipientAllowed(addr common.Address) bool
}

// Context carries everything the scorer looks at.
type Context struct {
	Kind                 intent.Kind `json:"kind"`
	TokensAllowlisted    bool        `json:"tokensAllowlisted"`
	ContractAllowlisted  bool        `json:"contractAllowlisted"`
	RecipientAllowlisted bool        `json:"recipientAllowlisted"`
	SlippageBps          int         `json:"slippageBps"`
	SimulationFailed     bool        `json:"simulationFailed"`
	GasEstimate          uint64      `json:"gasEstimate"`
	Value                *big.Int    `json:"value"`
	ApprovalAmount       *big.Int    `json:"approvalAmount,omitempty"`
	Thresholds           Thresholds  `json:"-"`
}

// Assessment is the result of scoring a single context.
type Assessment struct {
	Score   int            `json:"score"`
	Level   Level          `json:"level"`
	Factors map[string]int `json:"factors"`
	Reasons []string       `json:"reasons"`
}
