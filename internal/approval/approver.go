package approval

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mbd888/signgate/internal/audit"
)

var (
	ErrNotInteractive  = errors.New("approval: stdin is not a terminal")
	ErrQueueClosed     = errors.New("approval: queue closed")
	ErrRequestNotFound = errors.New("approval: request not found")
)

// Outcome is the result of an approval request. Token is set only when
// Approved.
type Outcome struct {
	Approved bool   `json:"approved"`
	Token    *Token `json:"token,omitempty"`
	Approver string `json:"approver"`
	Reason   string `json:"reason,omitempty"`
}

// Approver obtains a decision for a summary. Every implementation issues
// tokens through the same Manager, so a token carries no trace of which
// strategy produced it.
type Approver interface {
	RequestApproval(ctx context.Context, s *Summary) (*Outcome, error)
}

// issuer is the shared tail of every strategy: record the decision and, on
// approval, issue a token bound to the summary's intent and hash.
type issuer struct {
	manager *Manager
	sink    audit.Sink
	logger  *slog.Logger
}

func (i issuer) finish(ctx context.Context, s *Summary, approved bool, by, reason string) (*Outcome, error) {
	if !approved {
		i.logger.Info("approval rejected", "intentId", s.IntentID, "approver", by, "reason", reason)
		if err := audit.Record(ctx, i.sink, s.IntentID, audit.ApprovalRejected, map[string]any{
			"approver":      by,
			"reason":        reason,
			"txRequestHash": s.TxRequestHash,
		}); err != nil {
			i.logger.Warn("audit write failed", "event", audit.ApprovalRejected, "error", err)
		}
		return &Outcome{Approved: false, Approver: by, Reason: reason}, nil
	}

	tok, err := i.manager.Issue(ctx, s.IntentID, s.TxRequestHash)
	if err != nil {
		return nil, err
	}
	i.logger.Info("approval granted", "intentId", s.IntentID, "approver", by, "tokenId", tok.ID)
	if err := audit.Record(ctx, i.sink, s.IntentID, audit.ApprovalGranted, map[string]any{
		"approver":      by,
		"tokenId":       tok.ID,
		"txRequestHash": s.TxRequestHash,
		"expiresAt":     tok.ExpiresAt().UTC(),
	}); err != nil {
		i.logger.Warn("audit write failed", "event", audit.ApprovalGranted, "error", err)
	}
	return &Outcome{Approved: true, Token: tok, Approver: by}, nil
}

func newIssuer(m *Manager, sink audit.Sink, logger *slog.Logger) issuer {
	if logger == nil {
		logger = slog.Default()
	}
	return issuer{manager: m, sink: sink, logger: logger}
}

// Auto approves every request. Intended for trusted automation and tests.
type Auto struct {
	issuer
}

// NewAuto creates an auto-approving strategy.
func NewAuto(m *Manager, sink audit.Sink, logger *slog.Logger) *Auto {
	return &Auto{issuer: newIssuer(m, sink, logger)}
}

func (a *Auto) RequestApproval(ctx context.Context, s *Summary) (*Outcome, error) {
	return a.finish(ctx, s, true, "auto", "")
}

var (
	_ Approver = (*Auto)(nil)
	_ Approver = (*Interactive)(nil)
	_ Approver = (*QueueApprover)(nil)
)
