// Package approval issues single-use approval tokens and obtains the human
// (or automated) decision that gates a require_approval intent.
package approval

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"
)

// DefaultTTL is the lifetime of a token when the caller does not choose one.
const DefaultTTL = 300 * time.Second

var (
	ErrTokenNotFound   = errors.New("approval: token not found")
	ErrAlreadyConsumed = errors.New("approval: token already consumed")
)

// Reason explains why a token failed validation.
type Reason string

// Validation failures in the order they are checked.
const (
	ReasonNotFound       Reason = "not_found"
	ReasonConsumed       Reason = "consumed"
	ReasonExpired        Reason = "expired"
	ReasonIntentMismatch Reason = "intent_mismatch"
	ReasonHashMismatch   Reason = "hash_mismatch"
)

// Token is a single-use credential binding one (intent id, tx request hash)
// pair to an approval. It is mutated exactly once, when consumed.
type Token struct {
	ID            string `json:"id"`
	IntentID      string `json:"intentId"`
	TxRequestHash string `json:"txRequestHash"`
	IssuedAt      int64  `json:"issuedAt"` // epoch seconds
	TTLSeconds    int64  `json:"ttlSeconds"`
	Consumed      bool   `json:"consumed"`
}

// ExpiresAt returns the instant the token stops being valid.
func (t *Token) ExpiresAt() time.Time {
	return time.Unix(t.IssuedAt+t.TTLSeconds, 0)
}

// Expired reports whether now is at or past the expiry.
func (t *Token) Expired(now time.Time) bool {
	return now.Unix() >= t.IssuedAt+t.TTLSeconds
}

// Validation is the outcome of checking a token. Reason is empty when Valid.
type Validation struct {
	Valid  bool   `json:"valid"`
	Reason Reason `json:"reason,omitempty"`
}

func invalid(r Reason) Validation { return Validation{Reason: r} }

// checkToken applies the validation rules shared by every store. t may be nil.
func checkToken(t *Token, intentID, txRequestHash string, now time.Time) Validation {
	switch {
	case t == nil:
		return invalid(ReasonNotFound)
	case t.Consumed:
		return invalid(ReasonConsumed)
	case t.Expired(now):
		return invalid(ReasonExpired)
	case !equal(t.IntentID, intentID):
		return invalid(ReasonIntentMismatch)
	case !equal(t.TxRequestHash, txRequestHash):
		return invalid(ReasonHashMismatch)
	}
	return Validation{Valid: true}
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Store persists tokens. ValidateAndConsume must check and mark consumed as
// one atomic step; concurrent callers presenting the same token see at most
// one Valid result. Validation failures are returned as results, errors are
// reserved for storage faults.
type Store interface {
	Create(ctx context.Context, t *Token) error
	Get(ctx context.Context, id string) (*Token, error)
	Validate(ctx context.Context, id, intentID, txRequestHash string, now time.Time) (Validation, error)
	Consume(ctx context.Context, id string) error
	ValidateAndConsume(ctx context.Context, id, intentID, txRequestHash string, now time.Time) (Validation, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}
