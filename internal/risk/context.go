package risk

import (
	"github.com/mbd888/signgate/internal/intent"
)

// BuildContext assembles a scoring context for in.
func BuildContext(in *intent.Intent, lists Allowlists, th Thresholds, simFailed bool, gas uint64) (Context, error) {
	facts, err := intent.FactsOf(in.Action)
	if err != nil {
		return Context{}, err
	}

	c := Context{
		Kind:                 facts.Kind,
		TokensAllowlisted:    true,
		ContractAllowlisted:  true,
		RecipientAllowlisted: true,
		SimulationFailed:     simFailed,
		GasEstimate:          gas,
		Value:                facts.Value,
		ApprovalAmount:       facts.ApprovalAmount,
		Thresholds:           th,
	}
	if lists != nil {
		for _, tok := range facts.Tokens {
			if !lists.TokenAllowed(tok) {
				c.TokensAllowlisted = false
			}
		}
		if facts.Contract != nil {
			c.ContractAllowlisted = lists.ContractAllowed(*facts.Contract)
		}
		if facts.Recipient != nil {
			c.RecipientAllowlisted = lists.RecipientAllowed(*facts.Recipient)
		}
	}

	slippage, err := intent.Visit[int](in.Action, slippageOf{bps: in.Constraints.MaxSlippageBps})
	if err != nil {
		return Context{}, err
	}
	c.SlippageBps = slippage
	return c, nil
}

// slippageOf reports the tolerated slippage; only swaps carry any.
type slippageOf struct{ bps int }

var _ intent.Visitor[int] = slippageOf{}

func (slippageOf) NativeTransfer(*intent.NativeTransfer) int { return 0 }
func (slippageOf) Transfer(*intent.TokenTransfer) int        { return 0 }
func (slippageOf) Approve(*intent.TokenApproval) int         { return 0 }
func (s slippageOf) SwapExactIn(*intent.SwapExactIn) int     { return s.bps }
func (s slippageOf) SwapExactOut(*intent.SwapExactOut) int   { return s.bps }
