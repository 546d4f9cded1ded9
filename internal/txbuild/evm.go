package txbuild

import (
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/mbd888/signgate/internal/evmabi"
	"github.com/mbd888/signgate/internal/intent"
)

// DefaultRouters lists the swap routers known per chain when no explicit
// configuration is given.
var DefaultRouters = map[int64][]string{
	1:     {"0x68b3465833fb72A70ecDF485E0e4C7bD8665Fc45"},
	8453:  {"0x2626664c2603336E57B271c5C0b26F421741e481"},
	84532: {"0x94cC0AaC535CCDB3C01d6787D6413C739ae12bc4"},
}

// EVMBuilder encodes intents into EVM call data.
type EVMBuilder struct {
	routers map[int64]map[common.Address]bool
	logger  *slog.Logger
}

// NewEVMBuilder creates a builder that accepts swaps only through the given
// routers, keyed by chain id.
func NewEVMBuilder(routers map[int64][]string, logger *slog.Logger) *EVMBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	b := &EVMBuilder{
		routers: make(map[int64]map[common.Address]bool, len(routers)),
		logger:  logger,
	}
	for chainID, addrs := range routers {
		set := make(map[common.Address]bool, len(addrs))
		for _, a := range addrs {
			set[common.HexToAddress(a)] = true
		}
		b.routers[chainID] = set
	}
	return b
}

// KnownRouter reports whether router is accepted on chainID.
func (b *EVMBuilder) KnownRouter(chainID int64, router string) bool {
	return b.routers[chainID][common.HexToAddress(router)]
}

// BuildFromIntent encodes in and hashes the resulting request.
func (b *EVMBuilder) BuildFromIntent(in *intent.Intent) (*Plan, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: nil intent", intent.ErrInvalidIntent)
	}
	enc := encoder{b: b, in: in}
	res, err := intent.Visit[encoded](in.Action, enc)
	if err != nil {
		return nil, err
	}
	if res.err != nil {
		return nil, res.err
	}

	req := TxRequest{
		ChainID: in.Chain.ChainID,
		From:    in.WalletAddress().Hex(),
		To:      res.to.Hex(),
		Value:   res.value.String(),
		Data:    hexutil.Encode(res.data),
	}
	req = normalize(req)
	hash, err := HashRequest(req)
	if err != nil {
		return nil, err
	}

	desc, _ := intent.Visit[string](in.Action, describer{})
	return &Plan{
		IntentID:    in.ID,
		Request:     req,
		Hash:        hash,
		Description: desc,
	}, nil
}

type encoded struct {
	to    common.Address
	value *big.Int
	data  []byte
	err   error
}

type encoder struct {
	b  *EVMBuilder
	in *intent.Intent
}

var _ intent.Visitor[encoded] = encoder{}

func (e encoder) NativeTransfer(a *intent.NativeTransfer) encoded {
	return encoded{
		to:    common.HexToAddress(a.To),
		value: intent.MustAmount(a.Amount),
	}
}

func (e encoder) Transfer(a *intent.TokenTransfer) encoded {
	data, err := evmabi.ERC20.Pack("transfer", common.HexToAddress(a.To), intent.MustAmount(a.Amount))
	return e.call(a.Token, data, err)
}

func (e encoder) Approve(a *intent.TokenApproval) encoded {
	data, err := evmabi.ERC20.Pack("approve", common.HexToAddress(a.Spender), intent.MustAmount(a.Amount))
	return e.call(a.Token, data, err)
}

func (e encoder) SwapExactIn(a *intent.SwapExactIn) encoded {
	if err := e.checkRouter(a.Router); err != nil {
		return encoded{err: err}
	}
	data, err := evmabi.Router.Pack("exactInputSingle", evmabi.ExactInputSingleParams{
		TokenIn:           common.HexToAddress(a.TokenIn),
		TokenOut:          common.HexToAddress(a.TokenOut),
		Fee:               poolFee(a.Fee),
		Recipient:         common.HexToAddress(intent.SwapRecipient(a.Recipient, e.in.Wallet.Address)),
		AmountIn:          intent.MustAmount(a.AmountIn),
		AmountOutMinimum:  intent.MustAmount(a.MinAmountOut),
		SqrtPriceLimitX96: new(big.Int),
	})
	return e.call(a.Router, data, err)
}

func (e encoder) SwapExactOut(a *intent.SwapExactOut) encoded {
	if err := e.checkRouter(a.Router); err != nil {
		return encoded{err: err}
	}
	data, err := evmabi.Router.Pack("exactOutputSingle", evmabi.ExactOutputSingleParams{
		TokenIn:           common.HexToAddress(a.TokenIn),
		TokenOut:          common.HexToAddress(a.TokenOut),
		Fee:               poolFee(a.Fee),
		Recipient:         common.HexToAddress(intent.SwapRecipient(a.Recipient, e.in.Wallet.Address)),
		AmountOut:         intent.MustAmount(a.AmountOut),
		AmountInMaximum:   intent.MustAmount(a.MaxAmountIn),
		SqrtPriceLimitX96: new(big.Int),
	})
	return e.call(a.Router, data, err)
}

func (e encoder) call(to string, data []byte, err error) encoded {
	if err != nil {
		return encoded{err: fmt.Errorf("%w: %v", ErrEncode, err)}
	}
	return encoded{to: common.HexToAddress(to), value: new(big.Int), data: data}
}

// checkRouter refuses swaps through routers outside the known set. There is
// no fallback encoding for unrecognized routers.
func (e encoder) checkRouter(router string) error {
	if e.b.KnownRouter(e.in.Chain.ChainID, router) {
		return nil
	}
	e.b.logger.Warn("swap router rejected",
		"intentId", e.in.ID,
		"chainId", e.in.Chain.ChainID,
		"router", router,
		"reason", "router not in known set for chain",
	)
	return fmt.Errorf("%w: %s is not a known router on chain %d", ErrUnknownRouter, router, e.in.Chain.ChainID)
}

func poolFee(fee uint32) *big.Int {
	if fee == 0 {
		fee = evmabi.DefaultPoolFee
	}
	return new(big.Int).SetUint64(uint64(fee))
}

type describer struct{}

var _ intent.Visitor[string] = describer{}

func (describer) NativeTransfer(a *intent.NativeTransfer) string {
	return fmt.Sprintf("Send %s wei to %s", a.Amount, short(a.To))
}

func (describer) Transfer(a *intent.TokenTransfer) string {
	return fmt.Sprintf("Transfer %s of token %s to %s", a.Amount, short(a.Token), short(a.To))
}

func (describer) Approve(a *intent.TokenApproval) string {
	amount := a.Amount
	if intent.MustAmount(a.Amount).Cmp(intent.MaxUint256) == 0 {
		amount = "UNLIMITED"
	}
	return fmt.Sprintf("Approve %s to spend %s of token %s", short(a.Spender), amount, short(a.Token))
}

func (describer) SwapExactIn(a *intent.SwapExactIn) string {
	return fmt.Sprintf("Swap exactly %s of %s for at least %s of %s via %s",
		a.AmountIn, short(a.TokenIn), a.MinAmountOut, short(a.TokenOut), short(a.Router))
}

func (describer) SwapExactOut(a *intent.SwapExactOut) string {
	return fmt.Sprintf("Swap at most %s of %s for exactly %s of %s via %s",
		a.MaxAmountIn, short(a.TokenIn), a.AmountOut, short(a.TokenOut), short(a.Router))
}

func short(addr string) string {
	a := common.HexToAddress(addr).Hex()
	return strings.Join([]string{a[:6], a[len(a)-4:]}, "…")
}
