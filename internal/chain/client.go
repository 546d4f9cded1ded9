// Package chain provides the RPC capability the signing gate consumes and
// the router that binds chain ids to RPC endpoints.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/mbd888/signgate/internal/evmabi"
)

var (
	ErrChainNotConfigured = errors.New("chain: no RPC configured for chain")
	ErrRPCUnavailable     = errors.New("chain: RPC endpoint unavailable")
	ErrRPCConnection      = errors.New("chain: RPC connection failed")
	ErrChainMismatch      = errors.New("chain: endpoint reports a different chain id")
)

// Fees are EIP-1559 fee caps.
type Fees struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// Client is the RPC capability bound to one chain.
type Client interface {
	ChainID() int64
	Call(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	ReadBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
	ReadNativeBalance(ctx context.Context, owner common.Address) (*big.Int, error)
	ReadAllowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	SendRawTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error)
	GetTransactionCount(ctx context.Context, addr common.Address) (uint64, error)
	EstimateFeesPerGas(ctx context.Context) (Fees, error)
	GetTransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Backend is the subset of *ethclient.Client used by EthClient.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
	Close()
}

// EthClient implements Client over a JSON-RPC endpoint.
type EthClient struct {
	backend Backend
	chainID int64
}

var _ Client = (*EthClient)(nil)

// NewEthClient binds an existing backend to chainID.
func NewEthClient(backend Backend, chainID int64) *EthClient {
	return &EthClient{backend: backend, chainID: chainID}
}

// DialEth connects to url and verifies it serves chainID.
func DialEth(ctx context.Context, url string, chainID int64) (*EthClient, error) {
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
	}
	got, err := c.ChainID(ctx)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("%w: chain id: %v", ErrRPCConnection, err)
	}
	if got.Int64() != chainID {
		c.Close()
		return nil, fmt.Errorf("%w: want %d, got %s", ErrChainMismatch, chainID, got)
	}
	return NewEthClient(c, chainID), nil
}

func (c *EthClient) ChainID() int64 { return c.chainID }

func (c *EthClient) Call(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	return c.backend.CallContract(ctx, msg, nil)
}

func (c *EthClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return c.backend.EstimateGas(ctx, msg)
}

func (c *EthClient) ReadBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	data, err := evmabi.ERC20.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call balanceOf: %w", err)
	}
	return evmabi.UnpackUint256(evmabi.ERC20, "balanceOf", out)
}

func (c *EthClient) ReadNativeBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	return c.backend.BalanceAt(ctx, owner, nil)
}

func (c *EthClient) ReadAllowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	data, err := evmabi.ERC20.Pack("allowance", owner, spender)
	if err != nil {
		return nil, fmt.Errorf("pack allowance: %w", err)
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call allowance: %w", err)
	}
	return evmabi.UnpackUint256(evmabi.ERC20, "allowance", out)
}

func (c *EthClient) SendRawTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

func (c *EthClient) GetTransactionCount(ctx context.Context, addr common.Address) (uint64, error) {
	return c.backend.PendingNonceAt(ctx, addr)
}

// EstimateFeesPerGas returns maxFee = 2*baseFee + tip. Chains without a base
// fee fall back to the legacy gas price for both caps.
func (c *EthClient) EstimateFeesPerGas(ctx context.Context) (Fees, error) {
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return Fees{}, fmt.Errorf("latest header: %w", err)
	}
	if head.BaseFee == nil {
		price, err := c.backend.SuggestGasPrice(ctx)
		if err != nil {
			return Fees{}, fmt.Errorf("gas price: %w", err)
		}
		return Fees{MaxFeePerGas: price, MaxPriorityFeePerGas: new(big.Int).Set(price)}, nil
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return Fees{}, fmt.Errorf("gas tip: %w", err)
	}
	maxFee := new(big.Int).Mul(head.BaseFee, big.NewInt(2))
	maxFee.Add(maxFee, tip)
	return Fees{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: tip}, nil
}

func (c *EthClient) GetTransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return c.backend.TransactionReceipt(ctx, hash)
}

// Close releases the underlying connection.
func (c *EthClient) Close() {
	if c.backend != nil {
		c.backend.Close()
	}
}
