package chain

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// FakeClient is an in-memory Client for tests and local development.
// Unset balances and allowances read as zero.
type FakeClient struct {
	mu sync.Mutex

	ID         int64
	CallResult []byte
	CallErr    error
	Gas        uint64
	GasErr     error
	Nonce      uint64
	Fees       Fees
	SendErr    error
	Receipts   map[common.Hash]*types.Receipt

	native     map[common.Address]*big.Int
	balances   map[[2]common.Address]*big.Int
	allowances map[[3]common.Address]*big.Int
	sent       []*types.Transaction
	calls      int
}

var _ Client = (*FakeClient)(nil)

// NewFakeClient returns a fake serving chainID with 1 gwei fees and a
// 21000 gas estimate.
func NewFakeClient(chainID int64) *FakeClient {
	return &FakeClient{
		ID:         chainID,
		Gas:        21_000,
		Fees:       Fees{MaxFeePerGas: big.NewInt(2_000_000_000), MaxPriorityFeePerGas: big.NewInt(1_000_000_000)},
		Receipts:   make(map[common.Hash]*types.Receipt),
		native:     make(map[common.Address]*big.Int),
		balances:   make(map[[2]common.Address]*big.Int),
		allowances: make(map[[3]common.Address]*big.Int),
	}
}

// SetNativeBalance seeds a native balance.
func (f *FakeClient) SetNativeBalance(owner common.Address, v *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.native[owner] = new(big.Int).Set(v)
}

// SetBalance seeds a token balance.
func (f *FakeClient) SetBalance(token, owner common.Address, v *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[[2]common.Address{token, owner}] = new(big.Int).Set(v)
}

// SetAllowance seeds a token allowance.
func (f *FakeClient) SetAllowance(token, owner, spender common.Address, v *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowances[[3]common.Address{token, owner, spender}] = new(big.Int).Set(v)
}

// Sent returns the transactions passed to SendRawTransaction.
// SetReceipt makes hash resolvable by GetTransactionReceipt.
func (f *FakeClient) SetReceipt(hash common.Hash, r *types.Receipt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Receipts[hash] = r
}

func (f *FakeClient) Sent() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.Transaction, len(f.sent))
	copy(out, f.sent)
	return out
}

// Calls returns how many RPC methods have been invoked.
func (f *FakeClient) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *FakeClient) ChainID() int64 { return f.ID }

func (f *FakeClient) Call(ctx context.Context, _ ethereum.CallMsg) ([]byte, error) {
	if err := f.enter(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.CallResult, f.CallErr
}

func (f *FakeClient) EstimateGas(ctx context.Context, _ ethereum.CallMsg) (uint64, error) {
	if err := f.enter(ctx); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.GasErr != nil {
		return 0, f.GasErr
	}
	return f.Gas, nil
}

func (f *FakeClient) ReadBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	if err := f.enter(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return copyOrZero(f.balances[[2]common.Address{token, owner}]), nil
}

func (f *FakeClient) ReadNativeBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	if err := f.enter(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return copyOrZero(f.native[owner]), nil
}

func (f *FakeClient) ReadAllowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	if err := f.enter(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return copyOrZero(f.allowances[[3]common.Address{token, owner, spender}]), nil
}

func (f *FakeClient) SendRawTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	if err := f.enter(ctx); err != nil {
		return common.Hash{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return common.Hash{}, f.SendErr
	}
	f.sent = append(f.sent, tx)
	return tx.Hash(), nil
}

func (f *FakeClient) GetTransactionCount(ctx context.Context, _ common.Address) (uint64, error) {
	if err := f.enter(ctx); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Nonce, nil
}

func (f *FakeClient) EstimateFeesPerGas(ctx context.Context) (Fees, error) {
	if err := f.enter(ctx); err != nil {
		return Fees{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return Fees{
		MaxFeePerGas:         copyOrZero(f.Fees.MaxFeePerGas),
		MaxPriorityFeePerGas: copyOrZero(f.Fees.MaxPriorityFeePerGas),
	}, nil
}

func (f *FakeClient) GetTransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if err := f.enter(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.Receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *FakeClient) enter(ctx context.Context) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return ctx.Err()
}

func copyOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
