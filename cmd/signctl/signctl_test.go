package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mbd888/signgate/internal/apperrors"
	"github.com/mbd888/signgate/internal/approval"
	"github.com/mbd888/signgate/internal/audit"
	"github.com/mbd888/signgate/internal/chain"
	"github.com/mbd888/signgate/internal/custody"
	"github.com/mbd888/signgate/internal/intent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	devKey     = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	devKeyAddr = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	alice      = "0x2222222222222222222222222222222222222222"
)

const approvalPolicy = `
version: "7"
maxValueWei: "1000000"
maxApprovalAmount: "1000000"
allowedChains: [8453]
maxRiskScore: 60
requireApprovalAbove:
  valueWei: "1000"
maxTxPerHour: 5
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func writeIntent(t *testing.T, amount string) string {
	t.Helper()
	data, err := json.Marshal(&intent.Intent{
		Version:  intent.Version,
		ID:       "3f2504e0-4f89-41d3-9a0c-0305e82c3301",
		IssuedAt: time.Now(),
		Chain:    intent.Chain{ChainID: 8453},
		Wallet:   intent.Wallet{Address: devKeyAddr},
		Action:   &intent.NativeTransfer{To: alice, Amount: amount},
	})
	require.NoError(t, err)
	return writeFile(t, "intent.json", string(data))
}

func execute(t *testing.T, deps runDeps, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmdWith(strings.NewReader(""), &out, deps)
	root.SetArgs(append(args, "--log-level", "error"))
	err := root.Execute()
	return out.String(), err
}

func TestEvaluate(t *testing.T) {
	policyFile := writeFile(t, "policy.yaml", approvalPolicy)

	t.Run("allow under threshold", func(t *testing.T) {
		out, err := execute(t, runDeps{}, "evaluate", writeIntent(t, "500"), "--policy", policyFile)
		require.NoError(t, err)
		assert.Contains(t, out, "allow")
		assert.Contains(t, out, "policy v7")
	})

	t.Run("approval above threshold", func(t *testing.T) {
		out, err := execute(t, runDeps{}, "evaluate", writeIntent(t, "5000"), "--policy", policyFile, "--json")
		require.NoError(t, err)
		var d struct {
			Decision string   `json:"decision"`
			Reasons  []string `json:"reasons"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &d))
		assert.Equal(t, "require_approval", d.Decision)
		assert.NotEmpty(t, d.Reasons)
	})

	t.Run("deny exits non-zero", func(t *testing.T) {
		_, err := execute(t, runDeps{}, "evaluate", writeIntent(t, "2000000"), "--policy", policyFile)
		assert.ErrorIs(t, err, errDenied)
	})

	t.Run("risk ceiling", func(t *testing.T) {
		out, err := execute(t, runDeps{}, "evaluate", writeIntent(t, "500"), "--policy", policyFile, "--risk-score", "90")
		require.NoError(t, err)
		assert.Contains(t, out, "require_approval")
		assert.Contains(t, out, "risk score 90 exceeds max risk score 60")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := execute(t, runDeps{}, "evaluate", filepath.Join(t.TempDir(), "nope.json"))
		assert.ErrorContains(t, err, "read intent")
	})
}

func TestVersion(t *testing.T) {
	out, err := execute(t, runDeps{}, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "signctl "+Version)
}

type runFixture struct {
	rpc  *chain.FakeClient
	deps runDeps
}

func newRunFixture(t *testing.T, answer string) *runFixture {
	t.Helper()
	keys := custody.NewKeyring()
	addr, err := keys.Import(devKey)
	require.NoError(t, err)
	require.NoError(t, keys.Unlock(addr))

	rpc := chain.NewFakeClient(8453)
	rpc.SetNativeBalance(addr, big.NewInt(1e18))

	return &runFixture{
		rpc: rpc,
		deps: runDeps{
			dial: func(_ context.Context, url string, chainID int64) (chain.Client, error) {
				assert.Equal(t, "http://rpc.test", url)
				assert.Equal(t, int64(8453), chainID)
				return rpc, nil
			},
			signer: func(*intent.Intent) (custody.Signer, error) { return keys, nil },
			approver: func(m *approval.Manager, sink audit.Sink, logger *slog.Logger) approval.Approver {
				var prompt bytes.Buffer
				return approval.NewInteractive(m, sink, logger).WithIO(strings.NewReader(answer), &prompt)
			},
		},
	}
}

func TestRunApproved(t *testing.T) {
	f := newRunFixture(t, "y\n")
	policyFile := writeFile(t, "policy.yaml", approvalPolicy)

	out, err := execute(t, f.deps, "run", writeIntent(t, "5000"), "--policy", policyFile, "--rpc-url", "http://rpc.test")
	require.NoError(t, err)
	assert.Contains(t, out, "Approved by interactive")
	assert.Contains(t, out, "Transaction hash: 0x")
	assert.Contains(t, out, "Broadcast submitted")
	require.Len(t, f.rpc.Sent(), 1)
	assert.Equal(t, big.NewInt(5000), f.rpc.Sent()[0].Value())
}

func TestRunDirectAllow(t *testing.T) {
	f := newRunFixture(t, "")
	policyFile := writeFile(t, "policy.yaml", approvalPolicy)

	out, err := execute(t, f.deps, "run", writeIntent(t, "500"), "--policy", policyFile, "--rpc-url", "http://rpc.test")
	require.NoError(t, err)
	assert.NotContains(t, out, "Approved by")
	assert.Len(t, f.rpc.Sent(), 1)
}

func TestRunDeclined(t *testing.T) {
	f := newRunFixture(t, "n\n")
	policyFile := writeFile(t, "policy.yaml", approvalPolicy)

	_, err := execute(t, f.deps, "run", writeIntent(t, "5000"), "--policy", policyFile, "--rpc-url", "http://rpc.test")
	require.Error(t, err)
	e, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeApprovalDeclined, e.Code)
	assert.Empty(t, f.rpc.Sent())
}

func TestRunRequiresRPC(t *testing.T) {
	f := newRunFixture(t, "")
	_, err := execute(t, f.deps, "run", writeIntent(t, "500"))
	assert.ErrorContains(t, err, "--rpc-url is required")
}

func TestKeygen(t *testing.T) {
	out, err := execute(t, runDeps{}, "keygen")
	require.NoError(t, err)
	assert.Contains(t, out, "API key:      sk_")
	assert.Contains(t, out, "Server entry: sha256:")
}
