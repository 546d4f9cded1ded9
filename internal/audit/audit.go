// Package audit records the append-only event trail of every intent that
// passes through the gate.
package audit

import (
	"context"
	"strings"
	"time"
)

// Event names recorded by the pipeline and signing service.
const (
	PolicyEvaluated    = "policy_evaluated"
	TxBuilt            = "tx_built"
	PreflightCompleted = "preflight_completed"
	ApprovalRequested  = "approval_requested"
	ApprovalGranted    = "approval_granted"
	ApprovalRejected   = "approval_rejected"
	SignatureCreated   = "signature_created"
	SigningDenied      = "signing_denied"
	TxBroadcast        = "tx_broadcast"
	BroadcastFailed    = "broadcast_failed"
	TxConfirmed        = "tx_confirmed"
	TxReverted         = "tx_reverted"
	TxDropped          = "tx_dropped"
)

// Event is a single audit record.
type Event struct {
	ID        int64          `json:"id"`
	IntentID  string         `json:"intentId"`
	Name      string         `json:"name"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Sink persists audit events. Implementations must not mutate the caller's
// payload map.
type Sink interface {
	Record(ctx context.Context, e Event) error
	Query(ctx context.Context, intentID string) ([]Event, error)
}

var secretMarkers = []string{
	"privatekey", "private_key", "seed", "mnemonic", "passphrase", "password", "secret",
}

func isSecretKey(k string) bool {
	k = strings.ToLower(k)
	for _, m := range secretMarkers {
		if strings.Contains(k, m) {
			return true
		}
	}
	return false
}

// Redact returns a copy of payload with every key that looks like key
// material removed, recursing into nested maps and slices.
func Redact(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if isSecretKey(k) {
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Redact(t)
	case map[string]string:
		m := make(map[string]string, len(t))
		for k, s := range t {
			if !isSecretKey(k) {
				m[k] = s
			}
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i := range t {
			s[i] = redactValue(t[i])
		}
		return s
	default:
		return v
	}
}

// prepare stamps and redacts an event before it is stored.
func prepare(e Event, now time.Time) Event {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.Payload = Redact(e.Payload)
	return e
}

// Record is a nil-safe helper for callers holding an optional sink. Errors
// are returned so callers decide whether audit failure is fatal.
func Record(ctx context.Context, s Sink, intentID, name string, payload map[string]any) error {
	if s == nil {
		return nil
	}
	return s.Record(ctx, Event{IntentID: intentID, Name: name, Payload: payload})
}
