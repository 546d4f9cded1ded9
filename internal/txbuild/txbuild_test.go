package txbuild

import (
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/mbd888/signgate/internal/evmabi"
	"github.com/mbd888/signgate/internal/intent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	wallet    = "0x1111111111111111111111111111111111111111"
	usdc      = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	weth      = "0x4200000000000000000000000000000000000006"
	recipient = "0x2222222222222222222222222222222222222222"
	router    = "0x2626664c2603336E57B271c5C0b26F421741e481"
)

func newIntent(a intent.Action) *intent.Intent {
	return &intent.Intent{
		Version:  intent.Version,
		ID:       "5f0c8a56-9a0f-4c1e-9a43-8b0a0c4a7d21",
		IssuedAt: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
		Chain:    intent.Chain{ChainID: 8453},
		Wallet:   intent.Wallet{Address: wallet},
		Action:   a,
	}
}

func TestBuild_TokenTransfer(t *testing.T) {
	b := NewEVMBuilder(DefaultRouters, nil)
	plan, err := b.BuildFromIntent(newIntent(&intent.TokenTransfer{Token: usdc, To: recipient, Amount: "1000000"}))
	require.NoError(t, err)

	assert.Equal(t, "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", plan.Request.To)
	assert.Equal(t, "0", plan.Request.Value)
	assert.True(t, strings.HasPrefix(plan.Request.Data, "0xa9059cbb"), plan.Request.Data)
	assert.Equal(t, int64(8453), plan.Request.ChainID)
	assert.Contains(t, plan.Description, "Transfer 1000000")
	assert.True(t, VerifyPlan(plan))
}

func TestBuild_NativeTransfer(t *testing.T) {
	b := NewEVMBuilder(nil, nil)
	plan, err := b.BuildFromIntent(newIntent(&intent.NativeTransfer{To: recipient, Amount: "5000"}))
	require.NoError(t, err)
	assert.Equal(t, "5000", plan.Request.Value)
	assert.Equal(t, "0x", plan.Request.Data)
}

func TestBuild_Deterministic(t *testing.T) {
	b := NewEVMBuilder(DefaultRouters, nil)
	swap := &intent.SwapExactIn{Router: router, TokenIn: usdc, TokenOut: weth, AmountIn: "100", MinAmountOut: "1"}

	p1, err := b.BuildFromIntent(newIntent(swap))
	require.NoError(t, err)
	in2 := newIntent(swap)
	in2.IssuedAt = in2.IssuedAt.Add(time.Hour)
	p2, err := b.BuildFromIntent(in2)
	require.NoError(t, err)

	assert.Equal(t, p1.Hash, p2.Hash)
	selector := hexutil.Encode(evmabi.Router.Methods["exactInputSingle"].ID)
	assert.True(t, strings.HasPrefix(p1.Request.Data, selector))
}

func TestBuild_AddressCaseDoesNotChangeHash(t *testing.T) {
	b := NewEVMBuilder(nil, nil)
	lower, err := b.BuildFromIntent(newIntent(&intent.TokenTransfer{Token: strings.ToLower(usdc), To: recipient, Amount: "1"}))
	require.NoError(t, err)
	mixed, err := b.BuildFromIntent(newIntent(&intent.TokenTransfer{Token: usdc, To: recipient, Amount: "1"}))
	require.NoError(t, err)
	assert.Equal(t, lower.Hash, mixed.Hash)
}

func TestBuild_DifferentPayloadDifferentHash(t *testing.T) {
	b := NewEVMBuilder(nil, nil)
	a, err := b.BuildFromIntent(newIntent(&intent.TokenTransfer{Token: usdc, To: recipient, Amount: "1"}))
	require.NoError(t, err)
	c, err := b.BuildFromIntent(newIntent(&intent.TokenTransfer{Token: usdc, To: recipient, Amount: "2"}))
	require.NoError(t, err)
	assert.NotEqual(t, a.Hash, c.Hash)
}

func TestBuild_UnknownRouter(t *testing.T) {
	b := NewEVMBuilder(DefaultRouters, nil)
	_, err := b.BuildFromIntent(newIntent(&intent.SwapExactOut{
		Router: recipient, TokenIn: usdc, TokenOut: weth, AmountOut: "1", MaxAmountIn: "10",
	}))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownRouter)
	assert.Contains(t, err.Error(), "chain 8453")
}

func TestBuild_UnlimitedApprovalDescription(t *testing.T) {
	b := NewEVMBuilder(nil, nil)
	plan, err := b.BuildFromIntent(newIntent(&intent.TokenApproval{Token: usdc, Spender: router, Amount: intent.MaxUint256.String()}))
	require.NoError(t, err)
	assert.Contains(t, plan.Description, "UNLIMITED")
	assert.True(t, strings.HasPrefix(plan.Request.Data, "0x095ea7b3"))
}

func TestVerifyPlan_DetectsTampering(t *testing.T) {
	b := NewEVMBuilder(nil, nil)
	plan, err := b.BuildFromIntent(newIntent(&intent.NativeTransfer{To: recipient, Amount: "1"}))
	require.NoError(t, err)

	plan.Request.Value = "1000000"
	assert.False(t, VerifyPlan(plan))
	assert.False(t, VerifyPlan(nil))
}
