// Package intent defines TxIntent, the immutable declarative request an agent
// submits to the signing gate, and the closed set of actions it can carry.
package intent

import (
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Version is the only intent protocol version accepted.
const Version = "1"

// MaxSlippageBps is the largest meaningful slippage tolerance (100%).
const MaxSlippageBps = 10_000

var (
	ErrInvalidIntent = errors.New("intent: invalid")
	ErrUnknownAction = errors.New("intent: unknown action type")
)

// MaxUint256 is 2^256 - 1, the largest representable token amount.
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

var amountRegex = regexp.MustCompile(`^[0-9]+$`)

// Chain identifies the target network.
type Chain struct {
	ChainID int64 `json:"chainId"`
}

// Wallet identifies the signing account.
type Wallet struct {
	Address string `json:"address"`
}

// Constraints bound how the intent may be executed.
type Constraints struct {
	MaxGasWei      string `json:"maxGasWei,omitempty"`
	Deadline       int64  `json:"deadline,omitempty"` // epoch seconds, 0 = none
	MaxSlippageBps int    `json:"maxSlippageBps,omitempty"`
}

// Intent is a declarative, unsigned description of one blockchain action.
// Treat values as immutable once decoded.
type Intent struct {
	Version     string
	ID          string
	IssuedAt    time.Time
	Chain       Chain
	Wallet      Wallet
	Action      Action
	Constraints Constraints
	Preferences map[string]string
	Metadata    map[string]string
}

// WalletAddress returns the wallet as a checksummed address.
func (in *Intent) WalletAddress() common.Address {
	return common.HexToAddress(in.Wallet.Address)
}

// Expired reports whether the intent's deadline has passed.
func (in *Intent) Expired(now time.Time) bool {
	return in.Constraints.Deadline > 0 && now.Unix() >= in.Constraints.Deadline
}

// Validate checks structural invariants: supported version, UUID id, positive
// chain id, well-formed addresses and non-negative integer amounts.
func (in *Intent) Validate() error {
	if in.Version != Version {
		return invalid("version", "unsupported version %q", in.Version)
	}
	if _, err := uuid.Parse(in.ID); err != nil {
		return invalid("id", "must be a UUID")
	}
	if in.Chain.ChainID <= 0 {
		return invalid("chain.chainId", "must be positive")
	}
	if !common.IsHexAddress(in.Wallet.Address) {
		return invalid("wallet.address", "not a hex address")
	}
	if in.Action == nil {
		return invalid("action", "missing")
	}
	if in.Constraints.MaxGasWei != "" {
		if _, err := ParseAmount(in.Constraints.MaxGasWei); err != nil {
			return invalid("constraints.maxGasWei", "%v", err)
		}
	}
	if in.Constraints.MaxSlippageBps < 0 || in.Constraints.MaxSlippageBps > MaxSlippageBps {
		return invalid("constraints.maxSlippageBps", "must be between 0 and %d", MaxSlippageBps)
	}
	actionErr, err := Visit[error](in.Action, validator{})
	if err != nil {
		return invalid("action", "%v", err)
	}
	return actionErr
}

// ParseAmount parses a non-negative base-10 integer string that fits in 256 bits.
func ParseAmount(s string) (*big.Int, error) {
	if !amountRegex.MatchString(s) {
		return nil, fmt.Errorf("amount %q is not a non-negative integer string", s)
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("amount %q is not a valid integer", s)
	}
	if n.Cmp(MaxUint256) > 0 {
		return nil, fmt.Errorf("amount %q exceeds uint256", s)
	}
	return n, nil
}

// MustAmount parses an amount that has already passed Validate.
func MustAmount(s string) *big.Int {
	n, err := ParseAmount(s)
	if err != nil {
		return new(big.Int)
	}
	return n
}

func invalid(field, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidIntent, field, fmt.Sprintf(format, args...))
}

// validator checks per-action fields.
type validator struct{}

var _ Visitor[error] = validator{}

func (validator) NativeTransfer(a *NativeTransfer) error {
	return firstErr(
		checkAddr("action.to", a.To),
		checkAmount("action.amount", a.Amount),
	)
}

func (validator) Transfer(a *TokenTransfer) error {
	return firstErr(
		checkAddr("action.token", a.Token),
		checkAddr("action.to", a.To),
		checkAmount("action.amount", a.Amount),
	)
}

func (validator) Approve(a *TokenApproval) error {
	return firstErr(
		checkAddr("action.token", a.Token),
		checkAddr("action.spender", a.Spender),
		checkAmount("action.amount", a.Amount),
	)
}

func (validator) SwapExactIn(a *SwapExactIn) error {
	return firstErr(
		checkAddr("action.router", a.Router),
		checkAddr("action.tokenIn", a.TokenIn),
		checkAddr("action.tokenOut", a.TokenOut),
		checkOptionalAddr("action.recipient", a.Recipient),
		checkAmount("action.amountIn", a.AmountIn),
		checkAmount("action.minAmountOut", a.MinAmountOut),
	)
}

func (validator) SwapExactOut(a *SwapExactOut) error {
	return firstErr(
		checkAddr("action.router", a.Router),
		checkAddr("action.tokenIn", a.TokenIn),
		checkAddr("action.tokenOut", a.TokenOut),
		checkOptionalAddr("action.recipient", a.Recipient),
		checkAmount("action.amountOut", a.AmountOut),
		checkAmount("action.maxAmountIn", a.MaxAmountIn),
	)
}

func checkAddr(field, addr string) error {
	if !common.IsHexAddress(addr) {
		return invalid(field, "not a hex address")
	}
	return nil
}

func checkOptionalAddr(field, addr string) error {
	if addr == "" {
		return nil
	}
	return checkAddr(field, addr)
}

func checkAmount(field, amount string) error {
	if _, err := ParseAmount(amount); err != nil {
		return invalid(field, "%v", err)
	}
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
