package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/mbd888/signgate/internal/circuitbreaker"
)

// Guarded wraps a Client with a circuit breaker keyed by chain id. While the
// breaker is open every call fails fast with ErrRPCUnavailable. Reverts and
// not-found answers count as healthy responses.
type Guarded struct {
	inner   Client
	breaker *circuitbreaker.Breaker
	key     string
}

var _ Client = (*Guarded)(nil)

// NewGuarded wraps c. The breaker may be shared across chains.
func NewGuarded(c Client, b *circuitbreaker.Breaker) *Guarded {
	return &Guarded{inner: c, breaker: b, key: fmt.Sprintf("rpc:%d", c.ChainID())}
}

// GuardRouter wraps every client of r.
func GuardRouter(r Router, b *circuitbreaker.Breaker) (Router, error) {
	switch rr := r.(type) {
	case *Single:
		return NewSingle(NewGuarded(rr.client, b)), nil
	case *Multi:
		wrapped := make(map[int64]Client, len(rr.clients))
		for id, c := range rr.clients {
			wrapped[id] = NewGuarded(c, b)
		}
		return NewMulti(wrapped)
	default:
		return nil, fmt.Errorf("chain: cannot guard router %T", r)
	}
}

func guard[T any](g *Guarded, fn func() (T, error)) (T, error) {
	var zero T
	if !g.breaker.Allow(g.key) {
		return zero, fmt.Errorf("%w: chain %d", ErrRPCUnavailable, g.inner.ChainID())
	}
	v, err := fn()
	if err != nil && !healthyError(err) {
		g.breaker.RecordFailure(g.key)
		return v, err
	}
	g.breaker.RecordSuccess(g.key)
	return v, err
}

func (g *Guarded) ChainID() int64 { return g.inner.ChainID() }

// Close closes the wrapped client when it holds a connection.
func (g *Guarded) Close() {
	if c, ok := g.inner.(closer); ok {
		c.Close()
	}
}

func (g *Guarded) Call(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	return guard(g, func() ([]byte, error) { return g.inner.Call(ctx, msg) })
}

func (g *Guarded) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return guard(g, func() (uint64, error) { return g.inner.EstimateGas(ctx, msg) })
}

func (g *Guarded) ReadBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return guard(g, func() (*big.Int, error) { return g.inner.ReadBalance(ctx, token, owner) })
}

func (g *Guarded) ReadNativeBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	return guard(g, func() (*big.Int, error) { return g.inner.ReadNativeBalance(ctx, owner) })
}

func (g *Guarded) ReadAllowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return guard(g, func() (*big.Int, error) { return g.inner.ReadAllowance(ctx, token, owner, spender) })
}

func (g *Guarded) SendRawTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	return guard(g, func() (common.Hash, error) { return g.inner.SendRawTransaction(ctx, tx) })
}

func (g *Guarded) GetTransactionCount(ctx context.Context, addr common.Address) (uint64, error) {
	return guard(g, func() (uint64, error) { return g.inner.GetTransactionCount(ctx, addr) })
}

func (g *Guarded) EstimateFeesPerGas(ctx context.Context) (Fees, error) {
	return guard(g, func() (Fees, error) { return g.inner.EstimateFeesPerGas(ctx) })
}

func (g *Guarded) GetTransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return guard(g, func() (*types.Receipt, error) { return g.inner.GetTransactionReceipt(ctx, hash) })
}

// RevertError is a call that reached the node and reverted.
type RevertError struct {
	Data []byte
}

func (e *RevertError) Error() string  { return "execution reverted" }
func (e *RevertError) ErrorCode() int { return 3 }
func (e *RevertError) ErrorData() any { return hexutil.Encode(e.Data) }

// RevertData extracts revert return data carried by err, if any.
func RevertData(err error) ([]byte, bool) {
	var de rpc.DataError
	if !errors.As(err, &de) {
		return nil, false
	}
	s, ok := de.ErrorData().(string)
	if !ok {
		return nil, false
	}
	data, decErr := hexutil.Decode(s)
	if decErr != nil {
		return nil, false
	}
	return data, true
}

func healthyError(err error) bool {
	if errors.Is(err, ethereum.NotFound) {
		return true
	}
	if _, ok := RevertData(err); ok {
		return true
	}
	return strings.Contains(err.Error(), "execution reverted")
}
