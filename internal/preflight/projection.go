package preflight

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/signgate/internal/intent"
)

type probeKind int

const (
	probeNative probeKind = iota
	probeToken
	probeAllowance
)

// probe is one state read plus its projected change. For allowances, a
// non-nil set replaces the value instead of adding delta.
type probe struct {
	kind    probeKind
	token   common.Address
	owner   common.Address
	spender common.Address
	delta   *big.Int
	set     *big.Int
}

type projector struct {
	wallet common.Address
}

var _ intent.Visitor[[]probe] = projector{}

func (p projector) NativeTransfer(a *intent.NativeTransfer) []probe {
	return []probe{{kind: probeNative, owner: p.wallet, delta: neg(a.Amount)}}
}

func (p projector) Transfer(a *intent.TokenTransfer) []probe {
	return []probe{{kind: probeToken, token: common.HexToAddress(a.Token), owner: p.wallet, delta: neg(a.Amount)}}
}

func (p projector) Approve(a *intent.TokenApproval) []probe {
	return []probe{{
		kind:    probeAllowance,
		token:   common.HexToAddress(a.Token),
		owner:   p.wallet,
		spender: common.HexToAddress(a.Spender),
		set:     intent.MustAmount(a.Amount),
	}}
}

// Swaps debit the worst-case input and credit the guaranteed output.
func (p projector) SwapExactIn(a *intent.SwapExactIn) []probe {
	return p.swap(a.Router, a.TokenIn, a.TokenOut, a.Recipient, a.AmountIn, a.MinAmountOut)
}

func (p projector) SwapExactOut(a *intent.SwapExactOut) []probe {
	return p.swap(a.Router, a.TokenIn, a.TokenOut, a.Recipient, a.MaxAmountIn, a.AmountOut)
}

func (p projector) swap(router, tokenIn, tokenOut, recipient, spend, receive string) []probe {
	in := common.HexToAddress(tokenIn)
	out := common.HexToAddress(tokenOut)
	to := common.HexToAddress(intent.SwapRecipient(recipient, p.wallet.Hex()))
	return []probe{
		{kind: probeToken, token: in, owner: p.wallet, delta: neg(spend)},
		{kind: probeToken, token: out, owner: to, delta: intent.MustAmount(receive)},
		{kind: probeAllowance, token: in, owner: p.wallet, spender: common.HexToAddress(router), delta: neg(spend)},
	}
}

func neg(amount string) *big.Int {
	return new(big.Int).Neg(intent.MustAmount(amount))
}
