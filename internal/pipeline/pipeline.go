// Package pipeline sequences the gate's stages (build, preflight, approve,
// sign) and defines the request/response contract of each.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/signgate/internal/apperrors"
	"github.com/mbd888/signgate/internal/approval"
	"github.com/mbd888/signgate/internal/audit"
	"github.com/mbd888/signgate/internal/chain"
	"github.com/mbd888/signgate/internal/intent"
	"github.com/mbd888/signgate/internal/policy"
	"github.com/mbd888/signgate/internal/preflight"
	"github.com/mbd888/signgate/internal/signing"
	"github.com/mbd888/signgate/internal/traces"
	"github.com/mbd888/signgate/internal/txbuild"
)

// Deps are the collaborators of a Service. Chains may be nil for offline use.
type Deps struct {
	Builder          txbuild.Builder
	Gate             *policy.Gate
	Chains           chain.Router
	Approver         approval.Approver
	Tokens           *approval.Manager
	Signer           *signing.Service
	Sink             audit.Sink
	Logger           *slog.Logger
	PreflightTimeout time.Duration
}

// Service runs intents through the pipeline. Nothing is cached between
// calls: every stage rebuilds the plan and re-evaluates from scratch.
type Service struct {
	builder  txbuild.Builder
	gate     *policy.Gate
	sim      *preflight.Simulator
	chains   chain.Router
	approver approval.Approver
	tokens   *approval.Manager
	signer   *signing.Service
	sink     audit.Sink
	logger   *slog.Logger
}

// New creates a pipeline service.
func New(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	cfg := d.Gate.Config()
	sim := preflight.NewSimulator(preflight.Settings{
		Lists:        cfg,
		Thresholds:   cfg.RiskThresholds(),
		MaxRiskScore: cfg.MaxRiskScore,
		Timeout:      d.PreflightTimeout,
	}, d.Logger)
	return &Service{
		builder:  d.Builder,
		gate:     d.Gate,
		sim:      sim,
		chains:   d.Chains,
		approver: d.Approver,
		tokens:   d.Tokens,
		signer:   d.Signer,
		sink:     d.Sink,
		logger:   d.Logger,
	}
}

// BuildResult is the response of the build stage.
type BuildResult struct {
	Plan     *txbuild.Plan   `json:"plan"`
	Decision policy.Decision `json:"decision"`
}

// PreflightResult is the response of the preflight stage.
type PreflightResult struct {
	Plan      *txbuild.Plan     `json:"plan"`
	Preflight *preflight.Result `json:"preflight"`
	Decision  policy.Decision   `json:"decision"`
}

// ApproveResult is the response of the approve stage. Token is set only when
// the decision required approval and it was granted.
type ApproveResult struct {
	Plan      *txbuild.Plan     `json:"plan"`
	Decision  policy.Decision   `json:"decision"`
	Preflight *preflight.Result `json:"preflight,omitempty"`
	Token     *approval.Token   `json:"token,omitempty"`
	Approver  string            `json:"approver,omitempty"`
}

// SignRequest is the input of the sign stage.
type SignRequest struct {
	Intent          *intent.Intent  `json:"intent"`
	ApprovalTokenID string          `json:"approvalTokenId,omitempty"`
	Params          *signing.Params `json:"params,omitempty"`
}

// Build validates the intent, encodes it and runs a policy check without
// risk input. A deny fails with policy_denied.
func (s *Service) Build(ctx context.Context, in *intent.Intent) (_ *BuildResult, err error) {
	ctx, span := traces.Start(ctx, "pipeline.build", traces.KeyIntentID.String(idOf(in)))
	defer func() { traces.Finish(span, err) }()

	plan, err := s.plan(ctx, in)
	if err != nil {
		return nil, err
	}
	d, err := s.evaluate(ctx, in, nil, policy.RateOff)
	if err != nil {
		return nil, err
	}
	if d.Decision == policy.Deny {
		return nil, denied(d)
	}
	return &BuildResult{Plan: plan, Decision: d}, nil
}

// Preflight builds and simulates the intent, then evaluates policy with the
// simulated risk score. It never counts against the wallet's rate limit.
func (s *Service) Preflight(ctx context.Context, in *intent.Intent) (_ *PreflightResult, err error) {
	ctx, span := traces.Start(ctx, "pipeline.preflight", traces.KeyIntentID.String(idOf(in)))
	defer func() { traces.Finish(span, err) }()

	plan, err := s.plan(ctx, in)
	if err != nil {
		return nil, err
	}
	rpc := chain.Resolve(s.chains, in.Chain.ChainID)
	if rpc == nil {
		return nil, unconfigured(in.Chain.ChainID)
	}
	pre, err := s.simulate(ctx, in, plan, rpc)
	if err != nil {
		return nil, err
	}
	d, err := s.evaluate(ctx, in, &pre.RiskScore, policy.RateOff)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.KeyRiskScore.Int(pre.RiskScore), traces.KeyDecision.String(string(d.Decision)))
	return &PreflightResult{Plan: plan, Preflight: pre, Decision: d}, nil
}

// RequestApproval evaluates the intent against the rate limit and, when the
// decision is require_approval, takes a rate slot and asks the approver.
// Allow returns without a token and is counted when signed. Deny fails with
// policy_denied and a rejection with approval_declined.
func (s *Service) RequestApproval(ctx context.Context, in *intent.Intent) (_ *ApproveResult, err error) {
	ctx, span := traces.Start(ctx, "pipeline.approve", traces.KeyIntentID.String(idOf(in)))
	defer func() { traces.Finish(span, err) }()

	plan, err := s.plan(ctx, in)
	if err != nil {
		return nil, err
	}
	pre, score, err := s.optionalPreflight(ctx, in, plan)
	if err != nil {
		return nil, err
	}
	d, err := s.evaluate(ctx, in, score, policy.RateReserve)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.KeyDecision.String(string(d.Decision)))

	res := &ApproveResult{Plan: plan, Decision: d, Preflight: pre}
	switch d.Decision {
	case policy.Deny:
		return nil, denied(d)
	case policy.Allow:
		return res, nil
	}

	if s.approver == nil {
		return nil, apperrors.New(apperrors.CodeApprovalDeclined, "no approver configured")
	}
	summary, err := approval.NewSummary(in, plan, d, pre)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidIntent, err.Error(), err)
	}
	out, err := s.approver.RequestApproval(ctx, summary)
	if err != nil {
		if errors.Is(err, approval.ErrNotInteractive) || errors.Is(err, approval.ErrQueueClosed) {
			return nil, apperrors.Wrap(apperrors.CodeApprovalDeclined, err.Error(), err)
		}
		return nil, err
	}
	if !out.Approved {
		return nil, apperrors.New(apperrors.CodeApprovalDeclined, "approval declined", out.Reason)
	}
	res.Token = out.Token
	res.Approver = out.Approver
	return res, nil
}

// SignAndSend rebuilds the plan, pre-checks any presented approval token
// without consuming it, re-runs preflight and policy, then hands off to the
// signing service. An allow verdict takes its rate slot here; a
// require_approval verdict took one when it was approved.
func (s *Service) SignAndSend(ctx context.Context, req SignRequest) (_ *signing.SignedTransaction, err error) {
	in := req.Intent
	ctx, span := traces.Start(ctx, "pipeline.sign", traces.KeyIntentID.String(idOf(in)))
	defer func() { traces.Finish(span, err) }()

	plan, err := s.plan(ctx, in)
	if err != nil {
		return nil, err
	}
	if req.ApprovalTokenID != "" {
		if err := s.precheckToken(ctx, req.ApprovalTokenID, in.ID, plan.Hash); err != nil {
			return nil, err
		}
	}
	_, score, err := s.optionalPreflight(ctx, in, plan)
	if err != nil {
		return nil, err
	}
	d, err := s.evaluate(ctx, in, score, policy.RateCommit)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.KeyDecision.String(string(d.Decision)))

	return s.signer.Sign(ctx, signing.Request{
		Intent:          in,
		Plan:            plan,
		Decision:        &d,
		ApprovalTokenID: req.ApprovalTokenID,
		Params:          req.Params,
	})
}

// Audit returns the recorded events for an intent.
func (s *Service) Audit(ctx context.Context, intentID string) ([]audit.Event, error) {
	if s.sink == nil {
		return nil, nil
	}
	return s.sink.Query(ctx, intentID)
}

func (s *Service) plan(ctx context.Context, in *intent.Intent) (*txbuild.Plan, error) {
	if in == nil {
		return nil, apperrors.New(apperrors.CodeInvalidIntent, "intent is required")
	}
	if err := in.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidIntent, err.Error(), err)
	}
	if in.Expired(time.Now()) {
		return nil, apperrors.New(apperrors.CodeInvalidIntent, "intent deadline has passed")
	}
	plan, err := s.builder.BuildFromIntent(in)
	if err != nil {
		if errors.Is(err, txbuild.ErrUnknownRouter) {
			return nil, apperrors.New(apperrors.CodePolicyDenied, "transaction cannot be built", err.Error())
		}
		return nil, apperrors.Wrap(apperrors.CodeInvalidIntent, err.Error(), err)
	}
	s.record(ctx, in.ID, audit.TxBuilt, map[string]any{
		"txRequestHash": plan.Hash,
		"to":            plan.Request.To,
		"value":         plan.Request.Value,
		"chainId":       plan.Request.ChainID,
		"description":   plan.Description,
	})
	return plan, nil
}

func (s *Service) simulate(ctx context.Context, in *intent.Intent, plan *txbuild.Plan, rpc chain.Client) (*preflight.Result, error) {
	pre, err := s.sim.Simulate(ctx, in, plan, rpc)
	if err != nil {
		return nil, apperrors.From(err)
	}
	s.record(ctx, in.ID, audit.PreflightCompleted, map[string]any{
		"simulationSuccess": pre.Success,
		"revertReason":      pre.RevertReason,
		"gasEstimate":       pre.GasEstimate,
		"riskScore":         pre.RiskScore,
		"warnings":          pre.Warnings,
	})
	if !pre.Success {
		s.logger.Warn("simulation failed", "intentId", in.ID, "reason", pre.RevertReason, "riskScore", pre.RiskScore)
	}
	return pre, nil
}

// optionalPreflight simulates when the chain has an RPC client. Without one
// the stage proceeds without a risk score.
func (s *Service) optionalPreflight(ctx context.Context, in *intent.Intent, plan *txbuild.Plan) (*preflight.Result, *int, error) {
	rpc := chain.Resolve(s.chains, in.Chain.ChainID)
	if rpc == nil {
		s.logger.Debug("no rpc for chain, skipping preflight", "intentId", in.ID, "chainId", in.Chain.ChainID)
		return nil, nil, nil
	}
	pre, err := s.simulate(ctx, in, plan, rpc)
	if err != nil {
		return nil, nil, err
	}
	return pre, &pre.RiskScore, nil
}

// precheckToken fails fast on a token that cannot authorize this request,
// before any chain work. Signing still consumes it atomically.
func (s *Service) precheckToken(ctx context.Context, tokenID, intentID, hash string) error {
	if s.tokens == nil {
		return apperrors.New(apperrors.CodeTokenInvalid, "approval tokens are not configured")
	}
	v, err := s.tokens.Validate(ctx, tokenID, intentID, hash)
	if err != nil {
		return apperrors.From(err)
	}
	if !v.Valid {
		return apperrors.New(apperrors.CodeTokenInvalid,
			"approval token rejected: "+string(v.Reason), string(v.Reason))
	}
	return nil
}

func (s *Service) evaluate(ctx context.Context, in *intent.Intent, riskScore *int, rate policy.Rate) (policy.Decision, error) {
	d, err := s.gate.Check(ctx, in, riskScore, rate)
	if err != nil {
		return policy.Decision{}, apperrors.Wrap(apperrors.CodeInternal, "policy evaluation failed", err)
	}
	payload := map[string]any{
		"decision":      string(d.Decision),
		"reasons":       d.Reasons,
		"policyVersion": d.PolicyVersion,
		"rate":          rate.String(),
	}
	if riskScore != nil {
		payload["riskScore"] = *riskScore
	}
	s.record(ctx, in.ID, audit.PolicyEvaluated, payload)
	return d, nil
}

func (s *Service) record(ctx context.Context, intentID, name string, payload map[string]any) {
	if err := audit.Record(ctx, s.sink, intentID, name, payload); err != nil {
		s.logger.Error("audit write failed", "intentId", intentID, "event", name, "error", err)
	}
}

func denied(d policy.Decision) error {
	return apperrors.New(apperrors.CodePolicyDenied, "policy denied the transaction", d.Reasons...)
}

func unconfigured(chainID int64) error {
	return apperrors.New(apperrors.CodeRPCUnconfigured, fmt.Sprintf("no rpc configured for chain %d", chainID))
}

func idOf(in *intent.Intent) string {
	if in == nil {
		return ""
	}
	return in.ID
}
