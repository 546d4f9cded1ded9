package watcher

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/mbd888/signgate/internal/audit"
	"github.com/mbd888/signgate/internal/chain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const intentID = "5f0c8a56-9a0f-4c1e-9a43-8b0a0c4a7d21"

func setup(t *testing.T) (*Watcher, *chain.FakeClient, *audit.MemorySink) {
	t.Helper()
	rpc := chain.NewFakeClient(8453)
	sink := audit.NewMemorySink()
	w := New(Config{PollInterval: time.Millisecond, MaxAge: time.Minute}, chain.NewSingle(rpc), sink, nil)
	return w, rpc, sink
}

func TestDefaultConfig(t *testing.T) {
	w := New(Config{}, nil, nil, nil)
	assert.Equal(t, DefaultConfig(), w.config)
}

func TestPoll_Confirmed(t *testing.T) {
	w, rpc, sink := setup(t)
	hash := common.HexToHash("0x01")
	w.Track(intentID, 8453, hash)
	w.Track(intentID, 8453, hash)
	require.Equal(t, 1, w.Pending())

	w.Poll(context.Background())
	assert.Equal(t, 1, w.Pending(), "no receipt yet")
	assert.Empty(t, sink.Names(intentID))

	rpc.SetReceipt(hash, &types.Receipt{Status: types.ReceiptStatusSuccessful, GasUsed: 21_000, BlockNumber: big.NewInt(99)})
	w.Poll(context.Background())
	assert.Zero(t, w.Pending())

	events, err := sink.Query(context.Background(), intentID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.TxConfirmed, events[0].Name)
	assert.Equal(t, hash.Hex(), events[0].Payload["txHash"])
	assert.EqualValues(t, 99, events[0].Payload["blockNumber"])
}

func TestPoll_Reverted(t *testing.T) {
	w, rpc, sink := setup(t)
	hash := common.HexToHash("0x02")
	rpc.SetReceipt(hash, &types.Receipt{Status: types.ReceiptStatusFailed})
	w.Track(intentID, 8453, hash)

	w.Poll(context.Background())
	assert.Equal(t, []string{audit.TxReverted}, sink.Names(intentID))
}

func TestPoll_DroppedAfterMaxAge(t *testing.T) {
	w, _, sink := setup(t)
	start := time.Now()
	w.now = func() time.Time { return start }
	w.Track(intentID, 8453, common.HexToHash("0x03"))

	w.now = func() time.Time { return start.Add(2 * time.Minute) }
	w.Poll(context.Background())
	assert.Zero(t, w.Pending())
	assert.Equal(t, []string{audit.TxDropped}, sink.Names(intentID))
}

func TestPoll_RPCErrorKeepsTracking(t *testing.T) {
	w, _, sink := setup(t)
	w.Track(intentID, 8453, common.HexToHash("0x04"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Poll(ctx)
	assert.Equal(t, 1, w.Pending())
	assert.Empty(t, sink.Names(intentID))
}

type unknownChain struct{}

func (unknownChain) ForChain(int64) (chain.Client, error) { return nil, errors.New("not configured") }
func (unknownChain) Chains() []int64                      { return nil }

func TestPoll_UnconfiguredChainIsForgotten(t *testing.T) {
	w := New(Config{}, unknownChain{}, audit.NewMemorySink(), nil)
	w.Track(intentID, 1, common.HexToHash("0x05"))
	w.Poll(context.Background())
	assert.Zero(t, w.Pending())
}

func TestStartStop(t *testing.T) {
	w, rpc, sink := setup(t)
	hash := common.HexToHash("0x06")
	rpc.SetReceipt(hash, &types.Receipt{Status: types.ReceiptStatusSuccessful})
	w.Track(intentID, 8453, hash)

	done := make(chan struct{})
	go func() {
		w.Start(context.Background())
		close(done)
	}()
	require.Eventually(t, func() bool { return w.Pending() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{audit.TxConfirmed}, sink.Names(intentID))

	w.Stop()
	w.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
