// Package policy provides the operator policy that every intent is checked
// against before it may be signed.
//
// The rule set is a fixed checklist: allowed chains, token/contract/recipient
// allowlists, value and approval ceilings, an approval threshold, a risk
// score ceiling and a per-wallet hourly rate limit. Evaluation is pure; the
// Gate adds the per-wallet rate counter around it.
package policy

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/signgate/internal/intent"
	"github.com/mbd888/signgate/internal/risk"
)

var ErrInvalidConfig = errors.New("policy: invalid config")

// Verdict is the tri-state outcome of an evaluation.
type Verdict string

const (
	Allow           Verdict = "allow"
	Deny            Verdict = "deny"
	RequireApproval Verdict = "require_approval"
)

// Decision is the result of one evaluation.
type Decision struct {
	Decision      Verdict  `json:"decision"`
	Reasons       []string `json:"reasons"`
	PolicyVersion string   `json:"policyVersion"`
}

// Threshold is a value above which approval is mandatory.
type Threshold struct {
	ValueWei string `json:"valueWei" mapstructure:"valueWei"`
}

// Config is the operator-supplied policy. Treat a validated Config as
// immutable; use Clone before changing anything.
type Config struct {
	Version              string    `json:"version" mapstructure:"version"`
	MaxValueWei          string    `json:"maxValueWei" mapstructure:"maxValueWei"`
	MaxApprovalAmount    string    `json:"maxApprovalAmount" mapstructure:"maxApprovalAmount"`
	ContractAllowlist    []string  `json:"contractAllowlist" mapstructure:"contractAllowlist"`
	TokenAllowlist       []string  `json:"tokenAllowlist" mapstructure:"tokenAllowlist"`
	AllowedChains        []int64   `json:"allowedChains" mapstructure:"allowedChains"`
	RecipientAllowlist   []string  `json:"recipientAllowlist" mapstructure:"recipientAllowlist"`
	MaxRiskScore         int       `json:"maxRiskScore" mapstructure:"maxRiskScore"`
	RequireApprovalAbove Threshold `json:"requireApprovalAbove" mapstructure:"requireApprovalAbove"`
	MaxTxPerHour         int       `json:"maxTxPerHour" mapstructure:"maxTxPerHour"`
}

// DefaultConfig is a conservative Base mainnet policy: 0.1 ETH hard cap,
// approval above 0.01 ETH, 10 transactions per hour.
func DefaultConfig() *Config {
	return &Config{
		Version:              "1",
		MaxValueWei:          "100000000000000000",
		MaxApprovalAmount:    "1000000000",
		AllowedChains:        []int64{8453},
		MaxRiskScore:         50,
		RequireApprovalAbove: Threshold{ValueWei: "10000000000000000"},
		MaxTxPerHour:         10,
	}
}

// Validate checks that every field is well formed.
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("%w: version is required", ErrInvalidConfig)
	}
	for name, v := range map[string]string{
		"maxValueWei":                   c.MaxValueWei,
		"maxApprovalAmount":             c.MaxApprovalAmount,
		"requireApprovalAbove.valueWei": c.RequireApprovalAbove.ValueWei,
	} {
		if _, err := intent.ParseAmount(v); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, name, err)
		}
	}
	if len(c.AllowedChains) == 0 {
		return fmt.Errorf("%w: allowedChains must not be empty", ErrInvalidConfig)
	}
	for _, id := range c.AllowedChains {
		if id <= 0 {
			return fmt.Errorf("%w: allowedChains: invalid chain id %d", ErrInvalidConfig, id)
		}
	}
	for name, list := range map[string][]string{
		"contractAllowlist":  c.ContractAllowlist,
		"tokenAllowlist":     c.TokenAllowlist,
		"recipientAllowlist": c.RecipientAllowlist,
	} {
		for _, a := range list {
			if !common.IsHexAddress(a) {
				return fmt.Errorf("%w: %s: %q is not a hex address", ErrInvalidConfig, name, a)
			}
		}
	}
	if c.MaxRiskScore < 0 || c.MaxRiskScore > risk.MaxScore {
		return fmt.Errorf("%w: maxRiskScore must be between 0 and %d", ErrInvalidConfig, risk.MaxScore)
	}
	if c.MaxTxPerHour <= 0 {
		return fmt.Errorf("%w: maxTxPerHour must be positive", ErrInvalidConfig)
	}
	return nil
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	out.ContractAllowlist = append([]string(nil), c.ContractAllowlist...)
	out.TokenAllowlist = append([]string(nil), c.TokenAllowlist...)
	out.AllowedChains = append([]int64(nil), c.AllowedChains...)
	out.RecipientAllowlist = append([]string(nil), c.RecipientAllowlist...)
	return &out
}

// ChainAllowed reports whether id is in AllowedChains.
func (c *Config) ChainAllowed(id int64) bool {
	for _, a := range c.AllowedChains {
		if a == id {
			return true
		}
	}
	return false
}

// TokenAllowed reports allowlist membership; an empty list permits all.
func (c *Config) TokenAllowed(addr common.Address) bool {
	return listed(c.TokenAllowlist, addr)
}

// ContractAllowed reports allowlist membership; an empty list permits all.
func (c *Config) ContractAllowed(addr common.Address) bool {
	return listed(c.ContractAllowlist, addr)
}

// RecipientAllowed reports allowlist membership; an empty list permits all.
func (c *Config) RecipientAllowed(addr common.Address) bool {
	return listed(c.RecipientAllowlist, addr)
}

var _ risk.Allowlists = (*Config)(nil)

// RiskThresholds exposes the value limits to the risk scorer.
func (c *Config) RiskThresholds() risk.Thresholds {
	return risk.Thresholds{
		MaxValueWei:          amountOrNil(c.MaxValueWei),
		RequireApprovalAbove: amountOrNil(c.RequireApprovalAbove.ValueWei),
		MaxApprovalAmount:    amountOrNil(c.MaxApprovalAmount),
	}
}

func listed(list []string, addr common.Address) bool {
	if len(list) == 0 {
		return true
	}
	for _, a := range list {
		if strings.EqualFold(common.HexToAddress(a).Hex(), addr.Hex()) {
			return true
		}
	}
	return false
}

func amountOrNil(s string) *big.Int {
	n, err := intent.ParseAmount(s)
	if err != nil {
		return nil
	}
	return n
}
