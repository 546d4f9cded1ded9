package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/signgate/internal/intent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	walletAddr = "0x1111111111111111111111111111111111111111"
	usdc       = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	weth       = "0x4200000000000000000000000000000000000006"
	router     = "0x2626664c2603336E57B271c5C0b26F421741e481"
	alice      = "0x2222222222222222222222222222222222222222"
	mallory    = "0x3333333333333333333333333333333333333333"
)

func testConfig() *Config {
	return &Config{
		Version:              "7",
		MaxValueWei:          "1000",
		MaxApprovalAmount:    "5000",
		ContractAllowlist:    []string{router},
		TokenAllowlist:       []string{usdc, weth},
		AllowedChains:        []int64{8453},
		RecipientAllowlist:   []string{alice},
		MaxRiskScore:         50,
		RequireApprovalAbove: Threshold{ValueWei: "100"},
		MaxTxPerHour:         3,
	}
}

func mk(a intent.Action) *intent.Intent {
	return &intent.Intent{
		Version:  intent.Version,
		ID:       "5f0c8a56-9a0f-4c1e-9a43-8b0a0c4a7d21",
		IssuedAt: time.Unix(1_800_000_000, 0),
		Chain:    intent.Chain{ChainID: 8453},
		Wallet:   intent.Wallet{Address: walletAddr},
		Action:   a,
	}
}

func intPtr(n int) *int { return &n }

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name        string
		intent      *intent.Intent
		ec          EvalContext
		want        Verdict
		wantReasons []string
	}{
		{
			name:        "small allowlisted transfer",
			intent:      mk(&intent.TokenTransfer{Token: usdc, To: alice, Amount: "10"}),
			want:        Allow,
			wantReasons: []string{ReasonAllPassed},
		},
		{
			name:   "above approval threshold",
			intent: mk(&intent.TokenTransfer{Token: usdc, To: alice, Amount: "500"}),
			want:   RequireApproval,
		},
		{
			name:   "above max value",
			intent: mk(&intent.NativeTransfer{To: alice, Amount: "1001"}),
			want:   Deny,
		},
		{
			name:   "recipient not allowlisted",
			intent: mk(&intent.NativeTransfer{To: mallory, Amount: "1"}),
			want:   Deny,
		},
		{
			name:   "token not allowlisted",
			intent: mk(&intent.TokenTransfer{Token: mallory, To: alice, Amount: "1"}),
			want:   Deny,
		},
		{
			name:   "router not allowlisted",
			intent: mk(&intent.SwapExactIn{Router: mallory, TokenIn: usdc, TokenOut: weth, AmountIn: "1", MinAmountOut: "1"}),
			want:   Deny,
		},
		{
			name:   "swap recipient not subject to recipient allowlist",
			intent: mk(&intent.SwapExactIn{Router: router, TokenIn: usdc, TokenOut: weth, AmountIn: "1", MinAmountOut: "1", Recipient: mallory}),
			want:   Allow,
		},
		{
			name:   "high risk requires approval",
			intent: mk(&intent.TokenTransfer{Token: usdc, To: alice, Amount: "1"}),
			ec:     EvalContext{RiskScore: intPtr(51)},
			want:   RequireApproval,
		},
		{
			name:   "risk at max is fine",
			intent: mk(&intent.TokenTransfer{Token: usdc, To: alice, Amount: "1"}),
			ec:     EvalContext{RiskScore: intPtr(50)},
			want:   Allow,
		},
		{
			name:   "rate limited",
			intent: mk(&intent.TokenTransfer{Token: usdc, To: alice, Amount: "1"}),
			ec:     EvalContext{RecentTxCount: intPtr(3)},
			want:   Deny,
		},
		{
			name:   "approval within ceiling",
			intent: mk(&intent.TokenApproval{Token: usdc, Spender: router, Amount: "5000"}),
			want:   Allow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Evaluate(tt.intent, testConfig(), tt.ec)
			assert.Equal(t, tt.want, d.Decision, "reasons: %v", d.Reasons)
			assert.Equal(t, "7", d.PolicyVersion)
			assert.NotEmpty(t, d.Reasons)
			if tt.wantReasons != nil {
				assert.Equal(t, tt.wantReasons, d.Reasons)
			}
		})
	}
}

func TestEvaluate_DeniedChain(t *testing.T) {
	in := mk(&intent.TokenTransfer{Token: usdc, To: alice, Amount: "1"})
	in.Chain.ChainID = 1
	d := Evaluate(in, testConfig(), EvalContext{})
	assert.Equal(t, Deny, d.Decision)
	assert.Contains(t, d.Reasons[0], "not in allowed chains")
}

func TestEvaluate_UnlimitedApprovalDenied(t *testing.T) {
	cfg := testConfig()
	cfg.TokenAllowlist = nil
	cfg.ContractAllowlist = nil
	d := Evaluate(mk(&intent.TokenApproval{Token: mallory, Spender: mallory, Amount: intent.MaxUint256.String()}), cfg, EvalContext{})
	assert.Equal(t, Deny, d.Decision)
	require.Len(t, d.Reasons, 1)
	assert.Contains(t, d.Reasons[0], "max approval amount")
}

func TestEvaluate_ReasonsAccumulate(t *testing.T) {
	in := mk(&intent.TokenTransfer{Token: mallory, To: mallory, Amount: "2000"})
	in.Chain.ChainID = 10
	d := Evaluate(in, testConfig(), EvalContext{RecentTxCount: intPtr(99), RiskScore: intPtr(99)})
	assert.Equal(t, Deny, d.Decision)
	// chain, token, max value, recipient, rate limit, then approval threshold and risk
	assert.Len(t, d.Reasons, 7)
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, testConfig().Validate())
	require.NoError(t, DefaultConfig().Validate())

	bad := []func(c *Config){
		func(c *Config) { c.Version = "" },
		func(c *Config) { c.MaxValueWei = "1.5" },
		func(c *Config) { c.AllowedChains = nil },
		func(c *Config) { c.TokenAllowlist = []string{"usdc"} },
		func(c *Config) { c.MaxRiskScore = 101 },
		func(c *Config) { c.MaxTxPerHour = 0 },
	}
	for i, mutate := range bad {
		c := testConfig()
		mutate(c)
		assert.ErrorIs(t, c.Validate(), ErrInvalidConfig, "case %d", i)
	}
}

func TestConfig_CloneIsDeep(t *testing.T) {
	c := testConfig()
	cl := c.Clone()
	cl.TokenAllowlist[0] = mallory
	cl.AllowedChains[0] = 1
	assert.Equal(t, usdc, c.TokenAllowlist[0])
	assert.Equal(t, int64(8453), c.AllowedChains[0])
}

func TestLoadConfig_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	yaml := `version: "2026-10"
maxValueWei: "5000000000000000000"
maxApprovalAmount: "1000000"
allowedChains: [1, 8453]
tokenAllowlist:
  - "` + usdc + `"
maxRiskScore: 40
requireApprovalAbove:
  valueWei: "1000000000000000000"
maxTxPerHour: 20
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "2026-10", cfg.Version)
	assert.Equal(t, []int64{1, 8453}, cfg.AllowedChains)
	assert.Equal(t, []string{usdc}, cfg.TokenAllowlist)
	assert.Equal(t, 40, cfg.MaxRiskScore)
	assert.Equal(t, "1000000000000000000", cfg.RequireApprovalAbove.ValueWei)
	assert.Equal(t, 20, cfg.MaxTxPerHour)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("SIGNGATE_POLICY_MAXTXPERHOUR", "2")
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.MaxTxPerHour)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestMemoryCounter_RollingWindow(t *testing.T) {
	c := NewMemoryCounter(nil)
	ctx := context.Background()
	t0 := time.Unix(1_800_000_000, 0)

	require.NoError(t, c.Tick(ctx, walletAddr, t0))
	require.NoError(t, c.Tick(ctx, walletAddr, t0.Add(30*time.Minute)))

	n, _ := c.Count(ctx, walletAddr, t0.Add(59*time.Minute))
	assert.Equal(t, 2, n)
	n, _ = c.Count(ctx, walletAddr, t0.Add(61*time.Minute))
	assert.Equal(t, 1, n)

	assert.Equal(t, 1, c.Sweep(t0.Add(3*time.Hour)))
}

func TestMemoryCounter_StartStop(t *testing.T) {
	c := NewMemoryCounter(nil)
	done := make(chan struct{})
	go func() {
		c.Start(context.Background())
		close(done)
	}()
	c.Stop()
	c.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweep loop did not stop")
	}
}

func TestGate_RateLimitTicksOnlyNonDeny(t *testing.T) {
	counter := NewMemoryCounter(nil)
	gate, err := NewGate(testConfig(), counter, nil)
	require.NoError(t, err)
	ctx := context.Background()

	// A denied request (bad recipient) never uses a slot.
	for i := 0; i < 5; i++ {
		d, err := gate.Check(ctx, mk(&intent.NativeTransfer{To: mallory, Amount: "1"}), nil, RateCommit)
		require.NoError(t, err)
		assert.Equal(t, Deny, d.Decision)
	}
	n, _ := counter.Count(ctx, walletAddr, time.Now())
	assert.Equal(t, 0, n)

	ok := mk(&intent.NativeTransfer{To: alice, Amount: "1"})
	for i := 0; i < 3; i++ {
		d, err := gate.Check(ctx, ok, nil, RateCommit)
		require.NoError(t, err)
		assert.Equal(t, Allow, d.Decision)
	}
	d, err := gate.Check(ctx, ok, nil, RateCommit)
	require.NoError(t, err)
	assert.Equal(t, Deny, d.Decision)
	assert.Contains(t, d.Reasons[0], "rate limit")

	// Without counting, the same intent is evaluated on its own merits.
	d, err = gate.Check(ctx, ok, nil, RateOff)
	require.NoError(t, err)
	assert.Equal(t, Allow, d.Decision)
}

func TestGate_ReserveTicksOnlyApprovals(t *testing.T) {
	counter := NewMemoryCounter(nil)
	gate, err := NewGate(testConfig(), counter, nil)
	require.NoError(t, err)
	ctx := context.Background()

	small := mk(&intent.NativeTransfer{To: alice, Amount: "1"})
	for i := 0; i < 5; i++ {
		d, err := gate.Check(ctx, small, nil, RateReserve)
		require.NoError(t, err)
		assert.Equal(t, Allow, d.Decision)
	}
	n, _ := counter.Count(ctx, walletAddr, time.Now())
	assert.Equal(t, 0, n, "allow verdicts are counted when signed")

	large := mk(&intent.NativeTransfer{To: alice, Amount: "500"})
	d, err := gate.Check(ctx, large, nil, RateReserve)
	require.NoError(t, err)
	assert.Equal(t, RequireApproval, d.Decision)
	n, _ = counter.Count(ctx, walletAddr, time.Now())
	assert.Equal(t, 1, n)
}

func TestGate_CommitPassesApprovedIntentsUncounted(t *testing.T) {
	counter := NewMemoryCounter(nil)
	gate, err := NewGate(testConfig(), counter, nil)
	require.NoError(t, err)
	ctx := context.Background()

	large := mk(&intent.NativeTransfer{To: alice, Amount: "500"})
	for i := 0; i < 3; i++ {
		d, err := gate.Check(ctx, large, nil, RateReserve)
		require.NoError(t, err)
		require.Equal(t, RequireApproval, d.Decision)
	}

	// The quota is full, but the approved intents already hold their slots.
	for i := 0; i < 3; i++ {
		d, err := gate.Check(ctx, large, nil, RateCommit)
		require.NoError(t, err)
		assert.Equal(t, RequireApproval, d.Decision)
	}
	n, _ := counter.Count(ctx, walletAddr, time.Now())
	assert.Equal(t, 3, n)

	d, err := gate.Check(ctx, mk(&intent.NativeTransfer{To: alice, Amount: "1"}), nil, RateCommit)
	require.NoError(t, err)
	assert.Equal(t, Deny, d.Decision)
}

func TestGate_ConcurrentChecksNeverOvershoot(t *testing.T) {
	counter := NewMemoryCounter(nil)
	gate, err := NewGate(testConfig(), counter, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := gate.Check(context.Background(), mk(&intent.NativeTransfer{To: alice, Amount: "1"}), nil, RateCommit)
			if err == nil && d.Decision == Allow {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 3, allowed)
}

func TestGate_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTxPerHour = -1
	_, err := NewGate(cfg, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestHandler_Evaluate(t *testing.T) {
	gate, err := NewGate(testConfig(), NewMemoryCounter(nil), nil)
	require.NoError(t, err)
	r := gin.New()
	NewHandler(gate).RegisterRoutes(r.Group("/v1"))

	body, err := json.Marshal(mk(&intent.TokenTransfer{Token: usdc, To: alice, Amount: "500"}))
	require.NoError(t, err)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/policy/evaluate", bytes.NewReader(body)))

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Decision Decision `json:"decision"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, RequireApproval, resp.Decision.Decision)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/policy/evaluate", bytes.NewReader([]byte(`{"version":"9"}`))))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_intent")
}

func TestHandler_Get(t *testing.T) {
	gate, err := NewGate(testConfig(), nil, nil)
	require.NoError(t, err)
	r := gin.New()
	NewHandler(gate).RegisterRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/policy", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"maxTxPerHour":3`)
}
