package approval

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/signgate/internal/audit"
	"github.com/mbd888/signgate/internal/intent"
	"github.com/mbd888/signgate/internal/policy"
	"github.com/mbd888/signgate/internal/preflight"
	"github.com/mbd888/signgate/internal/txbuild"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	intentA = "5f0c8a56-9a0f-4c1e-9a43-8b0a0c4a7d21"
	intentB = "0b7d9c52-3e1f-4a55-8d6c-6f7e8d9c0a1b"
	hashA   = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	hashB   = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	wallet  = "0x1111111111111111111111111111111111111111"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(NewMemoryStore(), quietLogger())
}

func testSummary() *Summary {
	return &Summary{
		IntentID:      intentA,
		TxRequestHash: hashA,
		ChainID:       8453,
		Wallet:        wallet,
		Action:        intent.KindNativeTransfer,
		Decision:      policy.Decision{Decision: policy.RequireApproval, Reasons: []string{"value 500 exceeds approval threshold 100"}},
	}
}

func TestCheckToken_Order(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	fresh := func() *Token {
		return &Token{ID: "t", IntentID: intentA, TxRequestHash: hashA, IssuedAt: now.Unix(), TTLSeconds: 300}
	}

	tests := []struct {
		name   string
		token  *Token
		intent string
		hash   string
		at     time.Time
		want   Validation
	}{
		{"valid", fresh(), intentA, hashA, now, Validation{Valid: true}},
		{"missing", nil, intentA, hashA, now, Validation{Reason: ReasonNotFound}},
		{"consumed beats expired", func() *Token { t := fresh(); t.Consumed = true; return t }(), intentB, hashB, now.Add(time.Hour), Validation{Reason: ReasonConsumed}},
		{"expired at boundary", fresh(), intentA, hashA, now.Add(300 * time.Second), Validation{Reason: ReasonExpired}},
		{"one second before expiry", fresh(), intentA, hashA, now.Add(299 * time.Second), Validation{Valid: true}},
		{"expired beats mismatch", fresh(), intentB, hashB, now.Add(301 * time.Second), Validation{Reason: ReasonExpired}},
		{"intent mismatch beats hash", fresh(), intentB, hashB, now, Validation{Reason: ReasonIntentMismatch}},
		{"hash mismatch", fresh(), intentA, hashB, now, Validation{Reason: ReasonHashMismatch}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, checkToken(tt.token, tt.intent, tt.hash, tt.at))
		})
	}
}

func TestManager_IssueValidateConsume(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	tok, err := m.Issue(ctx, intentA, hashA)
	require.NoError(t, err)
	assert.Equal(t, int64(300), tok.TTLSeconds)
	assert.False(t, tok.Consumed)

	v, err := m.Validate(ctx, tok.ID, intentA, hashA)
	require.NoError(t, err)
	assert.True(t, v.Valid)

	// validation alone does not consume
	v, err = m.ValidateAndConsume(ctx, tok.ID, intentA, hashA)
	require.NoError(t, err)
	assert.True(t, v.Valid)

	v, err = m.ValidateAndConsume(ctx, tok.ID, intentA, hashA)
	require.NoError(t, err)
	assert.Equal(t, Validation{Reason: ReasonConsumed}, v)

	v, err = m.Validate(ctx, "nope", intentA, hashA)
	require.NoError(t, err)
	assert.Equal(t, ReasonNotFound, v.Reason)
}

func TestManager_IssueRejectsBadInput(t *testing.T) {
	m := newManager(t)
	_, err := m.Issue(context.Background(), "", hashA)
	assert.Error(t, err)
	_, err = m.IssueWithTTL(context.Background(), intentA, hashA, 0)
	assert.Error(t, err)
}

func TestManager_Consume(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	tok, err := m.Issue(ctx, intentA, hashA)
	require.NoError(t, err)

	require.NoError(t, m.Consume(ctx, tok.ID))
	assert.ErrorIs(t, m.Consume(ctx, tok.ID), ErrAlreadyConsumed)
	assert.ErrorIs(t, m.Consume(ctx, "missing"), ErrTokenNotFound)
}

func TestManager_ExpiryAndCleanup(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	clock := time.Unix(1_800_000_000, 0)
	m.now = func() time.Time { return clock }

	short, err := m.IssueWithTTL(ctx, intentA, hashA, 10)
	require.NoError(t, err)
	long, err := m.Issue(ctx, intentB, hashB)
	require.NoError(t, err)

	clock = clock.Add(10 * time.Second)
	v, err := m.ValidateAndConsume(ctx, short.ID, intentA, hashA)
	require.NoError(t, err)
	assert.Equal(t, ReasonExpired, v.Reason)

	n, err := m.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	v, err = m.Validate(ctx, short.ID, intentA, hashA)
	require.NoError(t, err)
	assert.Equal(t, ReasonNotFound, v.Reason)

	v, err = m.Validate(ctx, long.ID, intentB, hashB)
	require.NoError(t, err)
	assert.True(t, v.Valid)
}

func TestMemoryStore_ConcurrentConsumeSucceedsOnce(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	tok, err := m.Issue(ctx, intentA, hashA)
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := m.ValidateAndConsume(ctx, tok.ID, intentA, hashA)
			if err == nil && v.Valid {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, &Token{ID: "x", IntentID: intentA, TxRequestHash: hashA, IssuedAt: 1, TTLSeconds: 1}))
	got, err := s.Get(ctx, "x")
	require.NoError(t, err)
	got.Consumed = true

	again, err := s.Get(ctx, "x")
	require.NoError(t, err)
	assert.False(t, again.Consumed)
}

func TestSweeper_SweepsAndStops(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	tok, err := m.IssueWithTTL(ctx, intentA, hashA, 1)
	require.NoError(t, err)
	m.now = func() time.Time { return time.Unix(tok.IssuedAt+5, 0) }

	sw := NewSweeper(m, 10*time.Millisecond, quietLogger())
	done := make(chan struct{})
	go func() {
		sw.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, err := m.store.Get(ctx, tok.ID)
		return err == ErrTokenNotFound
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), sw.Stats()["removed"])

	sw.Stop()
	sw.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestSweeper_RecordsRun(t *testing.T) {
	m := newManager(t)
	sw := NewSweeper(m, time.Second, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sw.Sweep(ctx)
	stats := sw.Stats()
	assert.NotZero(t, stats["lastRun"])
	assert.Equal(t, int64(0), stats["removed"])
}

func TestAuto_IssuesBoundToken(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	sink := audit.NewMemorySink()

	out, err := NewAuto(m, sink, quietLogger()).RequestApproval(ctx, testSummary())
	require.NoError(t, err)
	require.True(t, out.Approved)
	require.NotNil(t, out.Token)
	assert.Equal(t, intentA, out.Token.IntentID)
	assert.Equal(t, hashA, out.Token.TxRequestHash)
	assert.Equal(t, []string{audit.ApprovalGranted}, sink.Names(intentA))
}

func TestInteractive(t *testing.T) {
	tests := []struct {
		input    string
		approved bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
		{"sure\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			sink := audit.NewMemorySink()
			var out bytes.Buffer
			p := NewInteractive(newManager(t), sink, quietLogger()).WithIO(bytes.NewBufferString(tt.input), &out)

			res, err := p.RequestApproval(context.Background(), testSummary())
			require.NoError(t, err)
			assert.Equal(t, tt.approved, res.Approved)
			assert.Equal(t, tt.approved, res.Token != nil)
			assert.Contains(t, out.String(), "APPROVAL REQUIRED")
			assert.Contains(t, out.String(), "(y/N)")

			want := audit.ApprovalRejected
			if tt.approved {
				want = audit.ApprovalGranted
			}
			assert.Equal(t, []string{want}, sink.Names(intentA))
		})
	}
}

func TestInteractive_RefusesWithoutTTY(t *testing.T) {
	p := NewInteractive(newManager(t), nil, quietLogger())
	p.isTTY = func() bool { return false }
	_, err := p.RequestApproval(context.Background(), testSummary())
	assert.ErrorIs(t, err, ErrNotInteractive)
}

func TestInteractive_CancelledPromptRejects(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	p := NewInteractive(newManager(t), nil, quietLogger()).WithIO(r, io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res, err := p.RequestApproval(ctx, testSummary())
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Nil(t, res.Token)
}

func TestNewSummary(t *testing.T) {
	in := &intent.Intent{
		Version: intent.Version,
		ID:      intentA,
		Chain:   intent.Chain{ChainID: 8453},
		Wallet:  intent.Wallet{Address: wallet},
		Action: &intent.TokenApproval{
			Token:   "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			Spender: "0x2626664c2603336E57B271c5C0b26F421741e481",
			Amount:  intent.MaxUint256.String(),
		},
	}
	plan := &txbuild.Plan{IntentID: intentA, Hash: hashA, Description: "approve"}
	pre := &preflight.Result{Success: false, RevertReason: "boom", RiskScore: 80, Warnings: []string{"transaction would revert: boom"}}

	s, err := NewSummary(in, plan, policy.Decision{Decision: policy.Deny}, pre)
	require.NoError(t, err)
	assert.Equal(t, hashA, s.TxRequestHash)
	assert.Equal(t, intent.KindApprove, s.Action)
	assert.Contains(t, s.Fields, Field{"Allowance", "UNLIMITED"})

	var buf bytes.Buffer
	s.Render(&buf)
	assert.Contains(t, buf.String(), "FAILED")
	assert.Contains(t, buf.String(), "transaction would revert: boom")
	assert.Contains(t, buf.String(), "UNLIMITED")
}
