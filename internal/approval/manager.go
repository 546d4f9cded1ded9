package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mbd888/signgate/internal/metrics"
)

// Manager is the only path that creates, checks and consumes tokens.
type Manager struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a token manager over store with DefaultTTL.
func NewManager(store Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, ttl: DefaultTTL, logger: logger, now: time.Now}
}

// WithTTL sets the default token lifetime.
func (m *Manager) WithTTL(ttl time.Duration) *Manager {
	if ttl > 0 {
		m.ttl = ttl
	}
	return m
}

// Issue creates a token for (intentID, txRequestHash) with the default TTL.
func (m *Manager) Issue(ctx context.Context, intentID, txRequestHash string) (*Token, error) {
	return m.IssueWithTTL(ctx, intentID, txRequestHash, int64(m.ttl/time.Second))
}

// IssueWithTTL creates a token that expires ttlSeconds after issuance.
func (m *Manager) IssueWithTTL(ctx context.Context, intentID, txRequestHash string, ttlSeconds int64) (*Token, error) {
	if intentID == "" || txRequestHash == "" {
		return nil, fmt.Errorf("approval: intent id and tx request hash are required")
	}
	if ttlSeconds <= 0 {
		return nil, fmt.Errorf("approval: ttl must be positive, got %d", ttlSeconds)
	}
	t := &Token{
		ID:            uuid.NewString(),
		IntentID:      intentID,
		TxRequestHash: txRequestHash,
		IssuedAt:      m.now().Unix(),
		TTLSeconds:    ttlSeconds,
	}
	if err := m.store.Create(ctx, t); err != nil {
		return nil, err
	}
	metrics.ApprovalTokensIssuedTotal.Inc()
	m.logger.Info("approval token issued",
		"tokenId", t.ID,
		"intentId", intentID,
		"txRequestHash", txRequestHash,
		"expiresAt", t.ExpiresAt(),
	)
	return t, nil
}

// Validate checks a token without consuming it.
func (m *Manager) Validate(ctx context.Context, id, intentID, txRequestHash string) (Validation, error) {
	v, err := m.store.Validate(ctx, id, intentID, txRequestHash, m.now())
	if err != nil {
		return Validation{}, err
	}
	observe(v)
	return v, nil
}

// Consume marks a token used without validating its binding.
func (m *Manager) Consume(ctx context.Context, id string) error {
	return m.store.Consume(ctx, id)
}

// ValidateAndConsume atomically checks and consumes a token.
func (m *Manager) ValidateAndConsume(ctx context.Context, id, intentID, txRequestHash string) (Validation, error) {
	v, err := m.store.ValidateAndConsume(ctx, id, intentID, txRequestHash, m.now())
	if err != nil {
		return Validation{}, err
	}
	observe(v)
	if v.Valid {
		m.logger.Info("approval token consumed", "tokenId", id, "intentId", intentID)
	} else {
		m.logger.Warn("approval token rejected", "tokenId", id, "intentId", intentID, "reason", v.Reason)
	}
	return v, nil
}

// Cleanup deletes every expired token.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	return m.store.DeleteExpired(ctx, m.now())
}

func observe(v Validation) {
	result := "valid"
	if !v.Valid {
		result = string(v.Reason)
	}
	metrics.ApprovalTokenChecksTotal.WithLabelValues(result).Inc()
}
