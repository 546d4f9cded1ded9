package policy

import (
	"fmt"
	"math/big"

	"github.com/mbd888/signgate/internal/intent"
)

// EvalContext carries optional runtime inputs. A nil field skips its rule.
type EvalContext struct {
	RiskScore     *int
	RecentTxCount *int
}

// ReasonAllPassed is the single reason of an allow with no findings.
const ReasonAllPassed = "all checks passed"

// Evaluate checks in against cfg. Every rule runs and reasons accumulate;
// deny outranks require_approval, which outranks allow. cfg must have passed
// Validate.
func Evaluate(in *intent.Intent, cfg *Config, ec EvalContext) Decision {
	var deny, approve []string
	denyf := func(format string, args ...any) { deny = append(deny, fmt.Sprintf(format, args...)) }
	approvef := func(format string, args ...any) { approve = append(approve, fmt.Sprintf(format, args...)) }

	facts, err := intent.FactsOf(in.Action)
	if err != nil {
		return Decision{
			Decision:      Deny,
			Reasons:       []string{fmt.Sprintf("unrecognized action: %v", err)},
			PolicyVersion: cfg.Version,
		}
	}

	// 1. chain
	if !cfg.ChainAllowed(in.Chain.ChainID) {
		denyf("chain %d not in allowed chains", in.Chain.ChainID)
	}

	// 2. tokens
	for _, tok := range facts.Tokens {
		if !cfg.TokenAllowed(tok) {
			denyf("token %s not in token allowlist", tok.Hex())
		}
	}

	// 3. contract
	if facts.Contract != nil && !cfg.ContractAllowed(*facts.Contract) {
		denyf("contract %s not in contract allowlist", facts.Contract.Hex())
	}

	// 4, 5. value
	if limit := amountOrNil(cfg.MaxValueWei); limit == nil || facts.Value.Cmp(limit) > 0 {
		denyf("value %s exceeds max value %s", facts.Value, cfg.MaxValueWei)
	}
	if above := amountOrNil(cfg.RequireApprovalAbove.ValueWei); above == nil || facts.Value.Cmp(above) > 0 {
		approvef("value %s exceeds approval threshold %s", facts.Value, cfg.RequireApprovalAbove.ValueWei)
	}

	// 6. approval amount
	if facts.ApprovalAmount != nil {
		if limit := amountOrNil(cfg.MaxApprovalAmount); limit == nil || facts.ApprovalAmount.Cmp(limit) > 0 {
			denyf("approval amount %s exceeds max approval amount %s", describeApproval(facts.ApprovalAmount), cfg.MaxApprovalAmount)
		}
	}

	// 7. recipient
	if facts.Recipient != nil && !cfg.RecipientAllowed(*facts.Recipient) {
		denyf("recipient %s not in recipient allowlist", facts.Recipient.Hex())
	}

	// 8. risk
	if ec.RiskScore != nil && *ec.RiskScore > cfg.MaxRiskScore {
		approvef("risk score %d exceeds max risk score %d", *ec.RiskScore, cfg.MaxRiskScore)
	}

	// 9. rate limit
	if ec.RecentTxCount != nil && *ec.RecentTxCount >= cfg.MaxTxPerHour {
		denyf("rate limit exceeded: %d transactions in the last hour (max %d)", *ec.RecentTxCount, cfg.MaxTxPerHour)
	}

	d := Decision{PolicyVersion: cfg.Version}
	switch {
	case len(deny) > 0:
		d.Decision = Deny
		d.Reasons = append(deny, approve...)
	case len(approve) > 0:
		d.Decision = RequireApproval
		d.Reasons = approve
	default:
		d.Decision = Allow
		d.Reasons = []string{ReasonAllPassed}
	}
	return d
}

func describeApproval(n *big.Int) string {
	if n.Cmp(intent.MaxUint256) == 0 {
		return "unlimited (2^256-1)"
	}
	return n.String()
}
