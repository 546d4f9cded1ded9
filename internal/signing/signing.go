// Package signing is the last gate before a key is used. It re-derives
// every authorization fact it is handed and fails closed.
package signing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/mbd888/signgate/internal/apperrors"
	"github.com/mbd888/signgate/internal/approval"
	"github.com/mbd888/signgate/internal/audit"
	"github.com/mbd888/signgate/internal/chain"
	"github.com/mbd888/signgate/internal/custody"
	"github.com/mbd888/signgate/internal/intent"
	"github.com/mbd888/signgate/internal/metrics"
	"github.com/mbd888/signgate/internal/policy"
	"github.com/mbd888/signgate/internal/retry"
	"github.com/mbd888/signgate/internal/txbuild"
)

// Gas estimates are padded by this percentage when params are filled in.
const gasBufferPercent = 20

// Params are the network-dependent transaction fields.
type Params struct {
	Nonce                uint64   `json:"nonce"`
	Gas                  uint64   `json:"gas"`
	MaxFeePerGas         *big.Int `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *big.Int `json:"maxPriorityFeePerGas"`
}

// Request asks for one signature. Decision is mandatory; ApprovalTokenID is
// required when the decision is require_approval. Nil Params are fetched
// from the chain.
type Request struct {
	Intent          *intent.Intent
	Plan            *txbuild.Plan
	Decision        *policy.Decision
	ApprovalTokenID string
	Params          *Params
}

// SignedTransaction is the signing result. A failed broadcast does not make
// the signature invalid; it is reported in BroadcastError.
type SignedTransaction struct {
	IntentID       string `json:"intentId"`
	TxHash         string `json:"txHash"`
	RawTx          string `json:"rawTx"`
	Broadcast      bool   `json:"broadcast"`
	BroadcastError string `json:"broadcastError,omitempty"`
}

// Service signs transactions for unlocked custody accounts.
type Service struct {
	signer   custody.Signer
	tokens   *approval.Manager
	chains   chain.Router
	sink     audit.Sink
	logger   *slog.Logger
	attempts int
	backoff  time.Duration
	tracker  Tracker
}

// Tracker follows a broadcast transaction until it is mined.
type Tracker interface {
	Track(intentID string, chainID int64, hash common.Hash)
}

// WithTracker hands every successfully broadcast transaction to t.
func (s *Service) WithTracker(t Tracker) *Service {
	s.tracker = t
	return s
}

// NewService creates a signing service. chains may be nil, in which case
// callers must supply Params and nothing is broadcast.
func NewService(signer custody.Signer, tokens *approval.Manager, chains chain.Router, sink audit.Sink, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		signer:   signer,
		tokens:   tokens,
		chains:   chains,
		sink:     sink,
		logger:   logger,
		attempts: 3,
		backoff:  500 * time.Millisecond,
	}
}

// Sign checks the request, consumes the approval token when one is required,
// signs and attempts a broadcast. Every failure is an *apperrors.Error and
// is recorded as signing_denied.
func (s *Service) Sign(ctx context.Context, req Request) (*SignedTransaction, error) {
	if err := s.checkRequest(req); err != nil {
		return nil, s.deny(ctx, req, err)
	}
	in, plan := req.Intent, req.Plan

	switch req.Decision.Decision {
	case policy.Deny:
		return nil, s.deny(ctx, req, apperrors.New(apperrors.CodePolicyDenied, "policy denied the transaction", req.Decision.Reasons...))
	case policy.RequireApproval:
		if req.ApprovalTokenID == "" {
			return nil, s.deny(ctx, req, apperrors.New(apperrors.CodeTokenInvalid, "approval token required"))
		}
	case policy.Allow:
	default:
		return nil, s.deny(ctx, req, apperrors.New(apperrors.CodeSigningDenied,
			fmt.Sprintf("unknown policy decision %q", req.Decision.Decision)))
	}

	from := in.WalletAddress()
	if !s.signer.IsUnlocked(from) {
		return nil, s.deny(ctx, req, apperrors.New(apperrors.CodeSigningDenied,
			fmt.Sprintf("signing key for %s is locked", from.Hex())))
	}

	rpcClient := chain.Resolve(s.chains, in.Chain.ChainID)
	params := req.Params
	if params == nil {
		if rpcClient == nil {
			return nil, s.deny(ctx, req, apperrors.New(apperrors.CodeRPCUnconfigured,
				fmt.Sprintf("no rpc configured for chain %d", in.Chain.ChainID)))
		}
		p, err := fetchParams(ctx, rpcClient, plan.Request)
		if err != nil {
			return nil, s.deny(ctx, req, rpcError(err))
		}
		params = p
	}

	tx, err := buildTx(plan.Request, params)
	if err != nil {
		return nil, s.deny(ctx, req, apperrors.Wrap(apperrors.CodeSigningDenied, "malformed transaction request", err))
	}

	// The token is consumed last, immediately before the key is used.
	if req.Decision.Decision == policy.RequireApproval {
		v, err := s.tokens.ValidateAndConsume(ctx, req.ApprovalTokenID, in.ID, plan.Hash)
		if err != nil {
			return nil, s.deny(ctx, req, apperrors.Wrap(apperrors.CodeInternal, "approval token store unavailable", err))
		}
		if !v.Valid {
			return nil, s.deny(ctx, req, apperrors.New(apperrors.CodeTokenInvalid,
				"approval token rejected: "+string(v.Reason), string(v.Reason)))
		}
	}

	signed, err := s.signer.SignTx(ctx, from, tx, big.NewInt(in.Chain.ChainID))
	if err != nil {
		code := apperrors.CodeInternal
		if errors.Is(err, custody.ErrLocked) || errors.Is(err, custody.ErrUnknownKey) {
			code = apperrors.CodeSigningDenied
		}
		return nil, s.deny(ctx, req, apperrors.Wrap(code, "signing failed: "+err.Error(), err))
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, s.deny(ctx, req, apperrors.Wrap(apperrors.CodeInternal, "encode signed transaction", err))
	}

	out := &SignedTransaction{
		IntentID: in.ID,
		TxHash:   signed.Hash().Hex(),
		RawTx:    hexutil.Encode(raw),
	}
	metrics.SignaturesTotal.WithLabelValues("signed").Inc()
	s.logger.Info("transaction signed", "intentId", in.ID, "txHash", out.TxHash, "from", from.Hex(), "nonce", params.Nonce)
	s.record(ctx, in.ID, audit.SignatureCreated, map[string]any{
		"txHash":        out.TxHash,
		"txRequestHash": plan.Hash,
		"from":          from.Hex(),
		"to":            plan.Request.To,
		"chainId":       in.Chain.ChainID,
		"nonce":         params.Nonce,
		"tokenId":       req.ApprovalTokenID,
		"decision":      string(req.Decision.Decision),
	})

	if rpcClient != nil {
		s.broadcast(ctx, rpcClient, signed, out)
	}
	return out, nil
}

func (s *Service) checkRequest(req Request) error {
	switch {
	case req.Decision == nil:
		return apperrors.New(apperrors.CodeSigningDenied, "policy decision is required")
	case req.Intent == nil || req.Plan == nil:
		return apperrors.New(apperrors.CodeSigningDenied, "intent and build plan are required")
	case req.Plan.IntentID != req.Intent.ID:
		return apperrors.New(apperrors.CodeSigningDenied, "build plan belongs to a different intent")
	case !txbuild.VerifyPlan(req.Plan):
		return apperrors.New(apperrors.CodeSigningDenied, "tx request hash does not match the build plan")
	case req.Plan.Request.ChainID != req.Intent.Chain.ChainID:
		return apperrors.New(apperrors.CodeSigningDenied, "build plan targets a different chain")
	case common.HexToAddress(req.Plan.Request.From) != req.Intent.WalletAddress():
		return apperrors.New(apperrors.CodeSigningDenied, "build plan is for a different wallet")
	}
	return nil
}

func (s *Service) broadcast(ctx context.Context, c chain.Client, tx *types.Transaction, out *SignedTransaction) {
	err := retry.Do(ctx, s.attempts, s.backoff, func() error {
		_, err := c.SendRawTransaction(ctx, tx)
		if err == nil || alreadyKnown(err) {
			return nil
		}
		if !transient(err) {
			return retry.Permanent(err)
		}
		return err
	}, retry.WithOnRetry(func(attempt int, err error, wait time.Duration) {
		s.logger.Debug("retrying broadcast", "intentId", out.IntentID, "attempt", attempt, "wait", wait, "error", err)
	}))
	if err != nil {
		out.BroadcastError = err.Error()
		metrics.BroadcastsTotal.WithLabelValues("failed").Inc()
		s.logger.Warn("broadcast failed", "intentId", out.IntentID, "txHash", out.TxHash, "error", err)
		s.record(ctx, out.IntentID, audit.BroadcastFailed, map[string]any{"txHash": out.TxHash, "error": err.Error()})
		return
	}
	out.Broadcast = true
	metrics.BroadcastsTotal.WithLabelValues("ok").Inc()
	s.logger.Info("transaction broadcast", "intentId", out.IntentID, "txHash", out.TxHash)
	s.record(ctx, out.IntentID, audit.TxBroadcast, map[string]any{"txHash": out.TxHash})
	if s.tracker != nil {
		s.tracker.Track(out.IntentID, tx.ChainId().Int64(), tx.Hash())
	}
}

func (s *Service) deny(ctx context.Context, req Request, err error) error {
	e := apperrors.From(err)
	intentID := ""
	if req.Intent != nil {
		intentID = req.Intent.ID
	}
	metrics.SignaturesTotal.WithLabelValues("denied").Inc()
	s.logger.Warn("signing denied", "intentId", intentID, "code", e.Code, "reason", e.Message)
	s.record(ctx, intentID, audit.SigningDenied, map[string]any{
		"code":    string(e.Code),
		"reason":  e.Message,
		"reasons": e.Reasons,
		"tokenId": req.ApprovalTokenID,
	})
	return e
}

func (s *Service) record(ctx context.Context, intentID, name string, payload map[string]any) {
	if err := audit.Record(ctx, s.sink, intentID, name, payload); err != nil {
		s.logger.Error("audit write failed", "intentId", intentID, "event", name, "error", err)
	}
}

func fetchParams(ctx context.Context, c chain.Client, r txbuild.TxRequest) (*Params, error) {
	from := common.HexToAddress(r.From)
	nonce, err := c.GetTransactionCount(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	fees, err := c.EstimateFeesPerGas(ctx)
	if err != nil {
		return nil, fmt.Errorf("fees: %w", err)
	}
	msg, err := callMsg(r)
	if err != nil {
		return nil, err
	}
	gas, err := c.EstimateGas(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("gas: %w", err)
	}
	return &Params{
		Nonce:                nonce,
		Gas:                  gas + gas*gasBufferPercent/100,
		MaxFeePerGas:         fees.MaxFeePerGas,
		MaxPriorityFeePerGas: fees.MaxPriorityFeePerGas,
	}, nil
}

func callMsg(r txbuild.TxRequest) (ethereum.CallMsg, error) {
	value, data, err := decodeRequest(r)
	if err != nil {
		return ethereum.CallMsg{}, err
	}
	to := common.HexToAddress(r.To)
	return ethereum.CallMsg{From: common.HexToAddress(r.From), To: &to, Value: value, Data: data}, nil
}

func decodeRequest(r txbuild.TxRequest) (*big.Int, []byte, error) {
	value := new(big.Int)
	if r.Value != "" {
		if _, ok := value.SetString(r.Value, 10); !ok {
			return nil, nil, fmt.Errorf("invalid value %q", r.Value)
		}
	}
	var data []byte
	if r.Data != "" && r.Data != "0x" {
		d, err := hexutil.Decode(r.Data)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid data: %w", err)
		}
		data = d
	}
	return value, data, nil
}

func buildTx(r txbuild.TxRequest, p *Params) (*types.Transaction, error) {
	if p.MaxFeePerGas == nil || p.MaxPriorityFeePerGas == nil {
		return nil, errors.New("fee params are required")
	}
	if p.Gas == 0 {
		return nil, errors.New("gas limit is required")
	}
	value, data, err := decodeRequest(r)
	if err != nil {
		return nil, err
	}
	to := common.HexToAddress(r.To)
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(r.ChainID),
		Nonce:     p.Nonce,
		GasTipCap: p.MaxPriorityFeePerGas,
		GasFeeCap: p.MaxFeePerGas,
		Gas:       p.Gas,
		To:        &to,
		Value:     value,
		Data:      data,
	}), nil
}

func rpcError(err error) error {
	switch {
	case errors.Is(err, chain.ErrRPCUnavailable):
		return apperrors.Wrap(apperrors.CodeRPCUnavailable, "rpc unavailable: "+err.Error(), err)
	case errors.Is(err, chain.ErrChainNotConfigured):
		return apperrors.Wrap(apperrors.CodeRPCUnconfigured, err.Error(), err)
	}
	return apperrors.Wrap(apperrors.CodeRPCUnavailable, "could not fill transaction params: "+err.Error(), err)
}

// transient reports whether a send error is worth retrying. Node rejections
// (JSON-RPC error responses) and an open breaker are final.
func transient(err error) bool {
	if errors.Is(err, chain.ErrRPCUnavailable) || errors.Is(err, context.Canceled) {
		return false
	}
	var rpcErr rpc.Error
	return !errors.As(err, &rpcErr)
}

func alreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}
