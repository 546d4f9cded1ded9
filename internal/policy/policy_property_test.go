package policy

import (
	"strconv"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/mbd888/signgate/internal/intent"
)

func TestEvaluateProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)
	cfg := testConfig()

	properties.Property("deny outranks require_approval outranks allow", prop.ForAll(
		func(amount uint64, chainOK, recipientOK bool, risk, recent int) bool {
			in := mk(&intent.TokenTransfer{Token: usdc, To: alice, Amount: strconv.FormatUint(amount, 10)})
			if !chainOK {
				in.Chain.ChainID = 1
			}
			if !recipientOK {
				in.Action = &intent.TokenTransfer{Token: usdc, To: mallory, Amount: strconv.FormatUint(amount, 10)}
			}
			d := Evaluate(in, cfg, EvalContext{RiskScore: intPtr(risk), RecentTxCount: intPtr(recent)})

			denies := !chainOK || !recipientOK || amount > 1000 || recent >= cfg.MaxTxPerHour
			approves := amount > 100 || risk > cfg.MaxRiskScore
			switch {
			case denies:
				return d.Decision == Deny && len(d.Reasons) > 0
			case approves:
				return d.Decision == RequireApproval && len(d.Reasons) > 0
			default:
				return d.Decision == Allow && len(d.Reasons) == 1 && d.Reasons[0] == ReasonAllPassed
			}
		},
		gen.UInt64Range(0, 2000),
		gen.Bool(),
		gen.Bool(),
		gen.IntRange(0, 100),
		gen.IntRange(0, 5),
	))

	properties.Property("evaluation is deterministic", prop.ForAll(
		func(amount uint64, risk int) bool {
			in := mk(&intent.TokenTransfer{Token: usdc, To: alice, Amount: strconv.FormatUint(amount, 10)})
			ec := EvalContext{RiskScore: intPtr(risk)}
			a, b := Evaluate(in, cfg, ec), Evaluate(in, cfg, ec)
			if a.Decision != b.Decision || len(a.Reasons) != len(b.Reasons) {
				return false
			}
			for i := range a.Reasons {
				if a.Reasons[i] != b.Reasons[i] {
					return false
				}
			}
			return true
		},
		gen.UInt64Range(0, 2000),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}
