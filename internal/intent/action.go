package intent

import "fmt"

// Kind names an action variant on the wire.
type Kind string

const (
	KindNativeTransfer Kind = "transfer_native"
	KindTransfer       Kind = "transfer"
	KindApprove        Kind = "approve"
	KindSwapExactIn    Kind = "swap_exact_in"
	KindSwapExactOut   Kind = "swap_exact_out"
)

// Action is one of exactly five variants. The unexported marker keeps the set
// closed to this package; consumers dispatch through Visit.
type Action interface {
	Kind() Kind
	isAction()
}

// NativeTransfer moves the chain's native asset.
type NativeTransfer struct {
	To     string `json:"to"`
	Amount string `json:"amount"` // wei
}

// TokenTransfer is an ERC-20 transfer.
type TokenTransfer struct {
	Token  string `json:"token"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

// TokenApproval is an ERC-20 approve.
type TokenApproval struct {
	Token   string `json:"token"`
	Spender string `json:"spender"`
	Amount  string `json:"amount"`
}

// SwapExactIn sells an exact input amount for at least MinAmountOut.
type SwapExactIn struct {
	Router       string `json:"router"`
	TokenIn      string `json:"tokenIn"`
	TokenOut     string `json:"tokenOut"`
	Fee          uint32 `json:"fee,omitempty"` // pool fee tier, hundredths of a bip
	AmountIn     string `json:"amountIn"`
	MinAmountOut string `json:"minAmountOut"`
	Recipient    string `json:"recipient,omitempty"`
}

// SwapExactOut buys an exact output amount for at most MaxAmountIn.
type SwapExactOut struct {
	Router      string `json:"router"`
	TokenIn     string `json:"tokenIn"`
	TokenOut    string `json:"tokenOut"`
	Fee         uint32 `json:"fee,omitempty"`
	AmountOut   string `json:"amountOut"`
	MaxAmountIn string `json:"maxAmountIn"`
	Recipient   string `json:"recipient,omitempty"`
}

func (*NativeTransfer) Kind() Kind { return KindNativeTransfer }
func (*TokenTransfer) Kind() Kind  { return KindTransfer }
func (*TokenApproval) Kind() Kind  { return KindApprove }
func (*SwapExactIn) Kind() Kind    { return KindSwapExactIn }
func (*SwapExactOut) Kind() Kind   { return KindSwapExactOut }

func (*NativeTransfer) isAction() {}
func (*TokenTransfer) isAction()  {}
func (*TokenApproval) isAction()  {}
func (*SwapExactIn) isAction()    {}
func (*SwapExactOut) isAction()   {}

// Visitor handles every action variant. Adding a variant adds a method here,
// which breaks compilation of every implementation until it is handled.
type Visitor[T any] interface {
	NativeTransfer(*NativeTransfer) T
	Transfer(*TokenTransfer) T
	Approve(*TokenApproval) T
	SwapExactIn(*SwapExactIn) T
	SwapExactOut(*SwapExactOut) T
}

// Visit dispatches a to the matching Visitor method. A nil variant pointer is
// reported as an error rather than passed through.
func Visit[T any](a Action, v Visitor[T]) (T, error) {
	var zero T
	switch act := a.(type) {
	case *NativeTransfer:
		if act != nil {
			return v.NativeTransfer(act), nil
		}
	case *TokenTransfer:
		if act != nil {
			return v.Transfer(act), nil
		}
	case *TokenApproval:
		if act != nil {
			return v.Approve(act), nil
		}
	case *SwapExactIn:
		if act != nil {
			return v.SwapExactIn(act), nil
		}
	case *SwapExactOut:
		if act != nil {
			return v.SwapExactOut(act), nil
		}
	}
	return zero, fmt.Errorf("%w: %T", ErrUnknownAction, a)
}

// SwapRecipient returns the explicit recipient or, when empty, the wallet.
func SwapRecipient(recipient, wallet string) string {
	if recipient == "" {
		return wallet
	}
	return recipient
}
