// Package auth authenticates API callers with static, role-scoped keys.
//
// Agents submit intents; approvers decide pending approvals. A key holds
// exactly one role, so an agent key can never resolve its own approval
// request. Only SHA-256 hashes of keys are kept in memory.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid API key")
	ErrForbidden     = errors.New("API key lacks the required role")
)

// Role scopes what a key may do.
type Role string

const (
	RoleAgent    Role = "agent"
	RoleApprover Role = "approver"
)

const (
	keyPrefix  = "sk_"
	hashPrefix = "sha256:"
)

// APIKey is the identity behind a validated key.
type APIKey struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Manager validates keys against the configured set.
type Manager struct {
	keys map[string]*APIKey // by hex hash
}

// NewManager creates a manager with no keys; auth is disabled until one is
// added.
func NewManager() *Manager {
	return &Manager{keys: make(map[string]*APIKey)}
}

// Enabled reports whether any key is configured.
func (m *Manager) Enabled() bool { return len(m.keys) > 0 }

// Add registers a key for role. entry is either a raw "sk_..." key or
// "sha256:<hex>" of one.
func (m *Manager) Add(role Role, entry string) error {
	entry = strings.TrimSpace(entry)
	var hash string
	switch {
	case strings.HasPrefix(entry, hashPrefix):
		hash = strings.ToLower(strings.TrimPrefix(entry, hashPrefix))
		if b, err := hex.DecodeString(hash); err != nil || len(b) != sha256.Size {
			return fmt.Errorf("auth: malformed %s key hash", role)
		}
	case strings.HasPrefix(entry, keyPrefix):
		hash = HashKey(entry)
	default:
		return fmt.Errorf("auth: %s key must start with %q or %q", role, keyPrefix, hashPrefix)
	}
	if existing, ok := m.keys[hash]; ok && existing.Role != role {
		return fmt.Errorf("auth: key %s is configured for both %s and %s", existing.ID, existing.Role, role)
	}
	m.keys[hash] = &APIKey{ID: "ak_" + hash[:12], Role: role}
	return nil
}

// AddAll registers every entry for role.
func (m *Manager) AddAll(role Role, entries []string) error {
	for _, e := range entries {
		if err := m.Add(role, e); err != nil {
			return err
		}
	}
	return nil
}

// Validate resolves a raw key, with or without a "Bearer " prefix.
func (m *Manager) Validate(raw string) (*APIKey, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	if raw == "" {
		return nil, ErrNoAPIKey
	}
	if !strings.HasPrefix(raw, keyPrefix) {
		return nil, ErrInvalidAPIKey
	}
	key, ok := m.keys[HashKey(raw)]
	if !ok {
		return nil, ErrInvalidAPIKey
	}
	return key, nil
}

// GenerateKey returns a fresh raw key and the "sha256:" entry to configure
// in its place.
func GenerateKey() (raw, entry string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	raw = keyPrefix + hex.EncodeToString(b)
	return raw, hashPrefix + HashKey(raw), nil
}

// HashKey returns the hex SHA-256 of a raw key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
