package intent

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Facts are the policy-relevant quantities extracted from an action.
type Facts struct {
	Kind Kind
	// Tokens lists every ERC-20 the action touches.
	Tokens []common.Address
	// Contract is the swap router or approval spender; nil for transfers.
	Contract *common.Address
	// Recipient is set for native and token transfers only.
	Recipient *common.Address
	// Value is the amount of value leaving the wallet. Approvals move none.
	Value *big.Int
	// ApprovalAmount is set for approvals only.
	ApprovalAmount *big.Int
}

// FactsOf extracts Facts from a validated action.
func FactsOf(a Action) (Facts, error) {
	return Visit[Facts](a, factExtractor{})
}

type factExtractor struct{}

var _ Visitor[Facts] = factExtractor{}

func (factExtractor) NativeTransfer(a *NativeTransfer) Facts {
	return Facts{
		Kind:      KindNativeTransfer,
		Recipient: addrPtr(a.To),
		Value:     MustAmount(a.Amount),
	}
}

func (factExtractor) Transfer(a *TokenTransfer) Facts {
	return Facts{
		Kind:      KindTransfer,
		Tokens:    []common.Address{common.HexToAddress(a.Token)},
		Recipient: addrPtr(a.To),
		Value:     MustAmount(a.Amount),
	}
}

func (factExtractor) Approve(a *TokenApproval) Facts {
	return Facts{
		Kind:           KindApprove,
		Tokens:         []common.Address{common.HexToAddress(a.Token)},
		Contract:       addrPtr(a.Spender),
		Value:          new(big.Int),
		ApprovalAmount: MustAmount(a.Amount),
	}
}

func (factExtractor) SwapExactIn(a *SwapExactIn) Facts {
	return Facts{
		Kind:     KindSwapExactIn,
		Tokens:   []common.Address{common.HexToAddress(a.TokenIn), common.HexToAddress(a.TokenOut)},
		Contract: addrPtr(a.Router),
		Value:    MustAmount(a.AmountIn),
	}
}

func (factExtractor) SwapExactOut(a *SwapExactOut) Facts {
	return Facts{
		Kind:     KindSwapExactOut,
		Tokens:   []common.Address{common.HexToAddress(a.TokenIn), common.HexToAddress(a.TokenOut)},
		Contract: addrPtr(a.Router),
		Value:    MustAmount(a.MaxAmountIn),
	}
}

func addrPtr(s string) *common.Address {
	a := common.HexToAddress(s)
	return &a
}
